package astorage

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// Entry is a versioned handle bound to one key, optionally within a
// transaction. It caches the most recently observed version and value;
// every successful Get, Listen, Set or Cas refreshes the cache. An entry
// for a never-written key has version 0. A nil value on a key with a
// positive version is a tombstone, distinct from "never written".
type Entry struct {
	session    *Session
	t          *transport
	tx         *Transaction
	partition  Key
	clustering Key
	version    int64
	value      json.RawMessage
	n, r, w    int
	watch      bool
}

func newEntry(s *Session, tx *Transaction, partition, clustering Key, options []EntryOption) *Entry {
	opts := applyEntryOptions(options)
	return &Entry{
		session:    s,
		t:          s.t,
		tx:         tx,
		partition:  partition.Clone(),
		clustering: clustering.Clone(),
		n:          opts.n,
		r:          opts.r,
		w:          opts.w,
		watch:      opts.watch,
	}
}

func (e *Entry) Partition() Key  { return e.partition.Clone() }
func (e *Entry) Clustering() Key { return e.clustering.Clone() }

// Version returns the last version observed by this handle.
func (e *Entry) Version() int64 { return e.version }

// Value returns the last value observed by this handle. Nil means either
// a tombstone or a never-read key; see Exists.
func (e *Entry) Value() json.RawMessage { return e.value }

// Exists reports whether the last observed state is a live value: a
// positive version with a non-null value.
func (e *Entry) Exists() bool {
	return e.version > 0 && len(e.value) > 0 && !bytes.Equal(e.value, []byte("null"))
}

// Decode unmarshals the cached value into v.
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.value, v)
}

func (e *Entry) validate() error {
	if err := checkPartition(e.partition); err != nil {
		return err
	}
	if err := checkClustering(e.clustering); err != nil {
		return err
	}
	return checkReplication(e.n, e.r, e.w)
}

func (e *Entry) query() url.Values {
	q := replicationValues(e.n, e.r, e.w)
	if e.tx != nil {
		q.Set("transaction", strconv.FormatInt(e.tx.id, 10))
		if e.watch {
			q.Set("watch", "true")
		}
	}
	return q
}

// Get fetches the current value and version from the server and caches
// them. The returned value is nil for tombstones and never-written keys.
func (e *Entry) Get(ctx context.Context) (json.RawMessage, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	var out struct {
		Version int64           `json:"version"`
		Value   json.RawMessage `json:"value"`
	}
	if err := e.t.do(ctx, http.MethodGet, entryPath(e.partition, e.clustering), e.query(), nil, &out); err != nil {
		return nil, err
	}
	e.version = out.Version
	e.value = out.Value
	return e.value, nil
}

// Listen long-polls until the key's version exceeds the waited version
// (the cached version unless WithWaitVersion overrides it), then caches
// and returns the new value. When the timeout elapses first it returns
// ErrTimeout and leaves the cache untouched.
func (e *Entry) Listen(ctx context.Context, options ...ListenOption) (json.RawMessage, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	opts := listenOptions{timeout: e.session.listenTimeout}
	for _, option := range options {
		option(&opts)
	}
	waitVersion := e.version
	if opts.waitVersion != nil {
		waitVersion = *opts.waitVersion
	}

	q := e.query()
	q.Set("waitVersion", strconv.FormatInt(waitVersion, 10))
	q.Set("waitTimeout", strconv.FormatFloat(opts.timeout.Seconds(), 'f', -1, 64))

	var out struct {
		Version int64           `json:"version"`
		Value   json.RawMessage `json:"value"`
	}
	if err := e.t.do(ctx, http.MethodGet, entryPath(e.partition, e.clustering), q, nil, &out); err != nil {
		return nil, err
	}
	e.version = out.Version
	e.value = out.Value
	return e.value, nil
}

// Set writes a new value unconditionally and returns the assigned
// version. With WithBatch the write is registered into the batch under
// this entry's clustering key and the call blocks until the batch is
// sent. The cache is refreshed on success either way.
func (e *Entry) Set(ctx context.Context, newValue any, options ...WriteOption) (int64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	opts := writeOptions{}
	for _, option := range options {
		option(&opts)
	}

	raw, err := json.Marshal(newValue)
	if err != nil {
		return 0, err
	}

	if opts.batch != nil {
		version, err := opts.batch.set(ctx, e.partition, e.clustering, raw, e.n, e.r, e.w)
		if err != nil {
			return 0, err
		}
		e.version = version
		e.value = raw
		return version, nil
	}

	version, err := e.put(ctx, raw, nil)
	if err != nil {
		return 0, err
	}
	e.version = version
	e.value = raw
	return version, nil
}

// Cas writes a new value only if the server's current version equals the
// old version (the cached version unless WithOldVersion overrides it).
// A mismatch returns ErrCasConflict and leaves the stored value
// unchanged. Batch deferral works as in Set.
func (e *Entry) Cas(ctx context.Context, newValue any, options ...WriteOption) (int64, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	opts := writeOptions{}
	for _, option := range options {
		option(&opts)
	}
	oldVersion := e.version
	if opts.oldVersion != nil {
		oldVersion = *opts.oldVersion
	}

	raw, err := json.Marshal(newValue)
	if err != nil {
		return 0, err
	}

	if opts.batch != nil {
		version, err := opts.batch.cas(ctx, e.partition, e.clustering, raw, oldVersion, e.n, e.r, e.w)
		if err != nil {
			return 0, err
		}
		e.version = version
		e.value = raw
		return version, nil
	}

	version, err := e.put(ctx, raw, &oldVersion)
	if err != nil {
		return 0, err
	}
	e.version = version
	e.value = raw
	return version, nil
}

func (e *Entry) put(ctx context.Context, raw json.RawMessage, oldVersion *int64) (int64, error) {
	q := e.query()
	if oldVersion != nil {
		q.Set("oldVersion", strconv.FormatInt(*oldVersion, 10))
	}

	var out struct {
		Version int64 `json:"version"`
	}
	if err := e.t.do(ctx, http.MethodPut, entryPath(e.partition, e.clustering), q, raw, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}
