package memory

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const authorizationHeader = "Authorization"

// maxWait caps long polls without an explicit waitTimeout.
const maxWait = 60 * time.Second

type (
	// Server exposes a Store over the AStorage wire protocol.
	Server struct {
		store  *Store
		router chi.Router
		token  string
		log    zerolog.Logger
	}

	ServerOptions struct {
		token string
		log   zerolog.Logger
	}

	ServerOption func(o *ServerOptions)
)

// WithServerToken requires the given Authorization header on every
// request; anything else answers 401.
func WithServerToken(token string) ServerOption {
	return func(o *ServerOptions) { o.token = token }
}

func WithLogger(log zerolog.Logger) ServerOption {
	return func(o *ServerOptions) { o.log = log }
}

func NewServer(store *Store, options ...ServerOption) *Server {
	opts := &ServerOptions{log: zerolog.Nop()}
	for _, option := range options {
		option(opts)
	}

	s := &Server{
		store: store,
		token: opts.token,
		log:   opts.log.With().Str("component", "memory").Logger(),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Route("/astorage/v2", func(r chi.Router) {
		r.Post("/tx", s.beginTx)
		r.Post("/tx/{id}/commit", s.commitTx)
		r.Post("/tx/{id}/rollback", s.rollbackTx)

		r.Get("/kv/keys/{partition}", s.getEntry)
		r.Put("/kv/keys/{partition}", s.putEntry)
		r.Get("/kv/keys/{partition}/version", s.getVersion)

		r.Get("/kv/partition/{partition}", s.rangeScan)
		r.Put("/kv/partition/{partition}", s.batchPut)
		r.Get("/kv/partition/{partition}/index-query", s.indexQuery)
		r.Get("/kv/partition/{partition}/clustering/{clustering}", s.getEntry)
		r.Put("/kv/partition/{partition}/clustering/{clustering}", s.putEntry)
		r.Get("/kv/partition/{partition}/clustering/{clustering}/version", s.getVersion)

		r.Get("/dt/{tree}", s.treeRange)
		r.Get("/dt/{tree}/keys/{key}", s.treeGet)
		r.Put("/dt/{tree}/keys/{key}", s.treePut)
		r.Get("/dt/{tree}/keys/{key}/next", s.treeNext)
		r.Get("/dt/{tree}/keys/{key}/prev", s.treePrev)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get(authorizationHeader) != s.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseWireKey splits the ':'-joined key form used in paths, unescaping
// any component the stack did not already decode.
func parseWireKey(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ":")
	for i, p := range parts {
		if u, err := url.PathUnescape(p); err == nil {
			parts[i] = u
		}
	}
	return parts
}

func urlKey(r *http.Request, name string) []string {
	return parseWireKey(chi.URLParam(r, name))
}

func queryInt64(q url.Values, name string) (int64, bool) {
	raw := q.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, ErrTxNotFound):
		w.WriteHeader(http.StatusGone)
	case errors.Is(err, ErrTxCompleted):
		w.WriteHeader(http.StatusPreconditionFailed)
	case errors.Is(err, ErrUnknownColumn):
		w.WriteHeader(http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("internal error")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type entryResponse struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	partition := urlKey(r, "partition")
	clustering := urlKey(r, "clustering")
	q := r.URL.Query()
	txID, _ := queryInt64(q, "transaction")
	watch := q.Get("watch") == "true"

	waitVersion, waiting := queryInt64(q, "waitVersion")
	if !waiting {
		version, value, err := s.store.Get(partition, clustering, txID, watch)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, entryResponse{Version: version, Value: value})
		return
	}

	wait := maxWait
	if raw := q.Get("waitTimeout"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			wait = time.Duration(seconds * float64(time.Second))
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		changed := s.store.Changed()
		version, value, err := s.store.Get(partition, clustering, txID, watch)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if version > waitVersion {
			s.writeJSON(w, entryResponse{Version: version, Value: value})
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			w.WriteHeader(http.StatusRequestTimeout)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) putEntry(w http.ResponseWriter, r *http.Request) {
	partition := urlKey(r, "partition")
	clustering := urlKey(r, "clustering")
	q := r.URL.Query()
	txID, _ := queryInt64(q, "transaction")

	var oldVersion *int64
	if v, ok := queryInt64(q, "oldVersion"); ok {
		oldVersion = &v
	}

	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	version, err := s.store.Put(partition, clustering, value, oldVersion, txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, entryResponse{Version: version})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	version := s.store.Version(urlKey(r, "partition"), urlKey(r, "clustering"))
	s.writeJSON(w, entryResponse{Version: version})
}

func (s *Server) rangeScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v, ok := queryInt64(q, "limit"); ok {
		limit = int(v)
	}
	items := s.store.RangeScan(urlKey(r, "partition"), q["from"], q["to"], limit)
	s.writeJSON(w, items)
}

type batchWireItem struct {
	Key     []string        `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version *int64          `json:"version"`
}

func (s *Server) batchPut(w http.ResponseWriter, r *http.Request) {
	var body []batchWireItem
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ops := make([]BatchOp, len(body))
	for i, item := range body {
		ops[i] = BatchOp{Key: item.Key, Value: item.Value, OldVersion: item.Version}
	}

	results, err := s.store.BatchPut(urlKey(r, "partition"), ops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, results)
}

type indexQueryBody struct {
	Params struct {
		Limit int `json:"limit"`
	} `json:"params"`
	Query map[string]Condition `json:"query"`
}

func (s *Server) indexQuery(w http.ResponseWriter, r *http.Request) {
	var body indexQueryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	items, err := s.store.QueryIndex(urlKey(r, "partition"), body.Query, body.Params.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, items)
}

func (s *Server) beginTx(w http.ResponseWriter, r *http.Request) {
	id := s.store.Begin()
	s.writeJSON(w, map[string]int64{"index": id})
}

func (s *Server) commitTx(w http.ResponseWriter, r *http.Request) {
	s.finishTx(w, r, s.store.Commit)
}

func (s *Server) rollbackTx(w http.ResponseWriter, r *http.Request) {
	s.finishTx(w, r, s.store.Rollback)
}

func (s *Server) finishTx(w http.ResponseWriter, r *http.Request, fn func(int64) error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := fn(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) treeGet(w http.ResponseWriter, r *http.Request) {
	txID, _ := queryInt64(r.URL.Query(), "transaction")
	item, err := s.store.TreeGet(urlKey(r, "tree"), urlKey(r, "key"), txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, item)
}

func (s *Server) treePut(w http.ResponseWriter, r *http.Request) {
	txID, _ := queryInt64(r.URL.Query(), "transaction")
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	version, err := s.store.TreePut(urlKey(r, "tree"), urlKey(r, "key"), value, txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, entryResponse{Version: version})
}

func (s *Server) treeNext(w http.ResponseWriter, r *http.Request) {
	s.treeStep(w, r, s.store.TreeNext)
}

func (s *Server) treePrev(w http.ResponseWriter, r *http.Request) {
	s.treeStep(w, r, s.store.TreePrev)
}

func (s *Server) treeStep(w http.ResponseWriter, r *http.Request, step func([]string, []string, int64) (*Item, error)) {
	txID, _ := queryInt64(r.URL.Query(), "transaction")
	item, err := step(urlKey(r, "tree"), urlKey(r, "key"), txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, item)
}

func (s *Server) treeRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txID, _ := queryInt64(q, "transaction")
	limit := 0
	if v, ok := queryInt64(q, "limit"); ok {
		limit = int(v)
	}
	items, err := s.store.TreeRange(urlKey(r, "tree"), q["from"], q["to"], limit, txID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, items)
}
