package astorage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL       = "http://127.0.0.1:12000"
	defaultListenTimeout = 30 * time.Second

	defaultN = 3
	defaultR = 2
	defaultW = 2
)

type (
	// Session is the root handle to one AStorage cluster. All entries,
	// batches, transactions, trees and indexes are obtained from it.
	Session struct {
		t             *transport
		listenTimeout time.Duration
	}

	Options struct {
		baseURL       string
		httpClient    *http.Client
		token         string
		listenTimeout time.Duration
	}

	Option func(o *Options)
)

// New creates a session. The zero configuration talks to
// http://127.0.0.1:12000 with the default http.Client.
func New(options ...Option) *Session {
	opts := &Options{
		baseURL:       defaultBaseURL,
		httpClient:    http.DefaultClient,
		listenTimeout: defaultListenTimeout,
	}
	for _, option := range options {
		option(opts)
	}

	return &Session{
		t: &transport{
			baseURL: opts.baseURL,
			client:  opts.httpClient,
			token:   opts.token,
		},
		listenTimeout: opts.listenTimeout,
	}
}

func WithBaseURL(u string) Option {
	return func(o *Options) { o.baseURL = u }
}

// WithHTTPClient injects the http.Client used for every request. Retries,
// transport timeouts and connection pooling are its responsibility.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) { o.httpClient = c }
}

// WithToken sets the Authorization header sent with every request.
func WithToken(token string) Option {
	return func(o *Options) { o.token = token }
}

// WithListenTimeout sets the default long-poll timeout for Entry.Listen.
func WithListenTimeout(d time.Duration) Option {
	return func(o *Options) { o.listenTimeout = d }
}

// Entry creates a handle for the given key without touching the server.
// Use it when the current value and version are not needed up front.
func (s *Session) Entry(partition, clustering Key, options ...EntryOption) *Entry {
	return newEntry(s, nil, partition, clustering, options)
}

// GetEntry creates a handle and fetches its current value and version.
func (s *Session) GetEntry(ctx context.Context, partition, clustering Key, options ...EntryOption) (*Entry, error) {
	e := s.Entry(partition, clustering, options...)
	if _, err := e.Get(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// GetVersion fetches the current version of a key without its value.
func (s *Session) GetVersion(ctx context.Context, partition, clustering Key, options ...EntryOption) (int64, error) {
	if err := checkPartition(partition); err != nil {
		return 0, err
	}
	if err := checkClustering(clustering); err != nil {
		return 0, err
	}
	opts := applyEntryOptions(options)
	if err := checkReplication(opts.n, opts.r, opts.w); err != nil {
		return 0, err
	}

	var out struct {
		Version int64 `json:"version"`
	}
	q := replicationValues(opts.n, opts.r, opts.w)
	err := s.t.do(ctx, http.MethodGet, entryPath(partition, clustering)+"/version", q, nil, &out)
	if err != nil {
		return 0, err
	}
	return out.Version, nil
}

// Range returns the entries of a partition in ascending clustering-key
// order. WithFirst starts strictly after the given key, WithLast ends at
// the given key inclusive, WithLimit truncates from the start. The result
// is fully materialized.
func (s *Session) Range(ctx context.Context, partition Key, options ...RangeOption) ([]*Entry, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	opts := rangeOptions{n: defaultN, r: defaultR, w: defaultW}
	for _, option := range options {
		option(&opts)
	}
	if err := checkClustering(opts.first); err != nil {
		return nil, err
	}
	if err := checkClustering(opts.last); err != nil {
		return nil, err
	}
	if err := checkLimit(opts.limit); err != nil {
		return nil, err
	}
	if err := checkReplication(opts.n, opts.r, opts.w); err != nil {
		return nil, err
	}

	q := replicationValues(opts.n, opts.r, opts.w)
	addRangeBounds(q, opts)

	var out []wireEntry
	if err := s.t.do(ctx, http.MethodGet, partitionPath(partition), q, nil, &out); err != nil {
		return nil, err
	}

	entries := make([]*Entry, len(out))
	for i, we := range out {
		e := s.Entry(partition, Key(we.Key), WithReplication(opts.n, opts.r, opts.w))
		e.version = we.Version
		e.value = we.Value
		entries[i] = e
	}
	return entries, nil
}

// BatchManual creates an empty batch. Writes registered into it are held
// until Send.
func (s *Session) BatchManual() *BatchManual {
	return &BatchManual{
		t:          s.t,
		done:       make(chan struct{}),
		partitions: map[string]*partitionBatch{},
	}
}

// Tree opens the distributed tree with the given name.
func (s *Session) Tree(name Key, options ...EntryOption) *Tree {
	return newTree(s, nil, name, options)
}

// Index gives access to index queries over a partition's keyspace.
func (s *Session) Index(partition Key) *PartitionIndex {
	return &PartitionIndex{session: s, partition: partition.Clone()}
}

func addRangeBounds(q url.Values, opts rangeOptions) {
	for _, p := range opts.first {
		q.Add("from", p)
	}
	for _, p := range opts.last {
		q.Add("to", p)
	}
	if opts.limit > 0 {
		q.Set("limit", strconv.Itoa(opts.limit))
	}
}

// wireEntry is the list-item shape shared by range and index responses.
type wireEntry struct {
	Key     []string        `json:"key"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}
