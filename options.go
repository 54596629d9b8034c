package astorage

import "time"

type (
	entryOptions struct {
		n, r, w int
		watch   bool
	}

	// EntryOption configures an Entry, Tree or version lookup.
	EntryOption func(o *entryOptions)

	rangeOptions struct {
		n, r, w     int
		first, last Key
		limit       int
	}

	// RangeOption bounds a range scan.
	RangeOption func(o *rangeOptions)

	listenOptions struct {
		waitVersion *int64
		timeout     time.Duration
	}

	// ListenOption configures a long poll.
	ListenOption func(o *listenOptions)

	writeOptions struct {
		batch      Batcher
		oldVersion *int64
	}

	// WriteOption configures a Set or Cas call.
	WriteOption func(o *writeOptions)
)

// WithReplication overrides the replica count and read/write quorums for
// the operation. Defaults are n=3, r=2, w=2.
func WithReplication(n, r, w int) EntryOption {
	return func(o *entryOptions) {
		o.n, o.r, o.w = n, r, w
	}
}

// WithWatch marks reads through the entry as part of the owning
// transaction's optimistic read-set, validated at commit. It has effect
// only on entries bound to a transaction.
func WithWatch() EntryOption {
	return func(o *entryOptions) { o.watch = true }
}

func applyEntryOptions(options []EntryOption) entryOptions {
	opts := entryOptions{n: defaultN, r: defaultR, w: defaultW}
	for _, option := range options {
		option(&opts)
	}
	return opts
}

// WithRangeReplication overrides the quorum parameters of a range scan.
func WithRangeReplication(n, r, w int) RangeOption {
	return func(o *rangeOptions) { o.n, o.r, o.w = n, r, w }
}

// WithFirst starts the scan strictly after the given key.
func WithFirst(first Key) RangeOption {
	return func(o *rangeOptions) { o.first = first }
}

// WithLast ends the scan at the given key, inclusive.
func WithLast(last Key) RangeOption {
	return func(o *rangeOptions) { o.last = last }
}

// WithLimit truncates the scan to at most limit entries from the start.
func WithLimit(limit int) RangeOption {
	return func(o *rangeOptions) { o.limit = limit }
}

// WithWaitVersion overrides the version the listen call waits to be
// exceeded. By default the entry's last-known version is used.
func WithWaitVersion(version int64) ListenOption {
	return func(o *listenOptions) { o.waitVersion = &version }
}

// WithWaitTimeout overrides the session's default long-poll timeout.
func WithWaitTimeout(d time.Duration) ListenOption {
	return func(o *listenOptions) { o.timeout = d }
}

// WithBatch defers the write into the given batch. The call registers the
// write and returns only once the batch has been sent.
func WithBatch(b Batcher) WriteOption {
	return func(o *writeOptions) { o.batch = b }
}

// WithOldVersion sets the version a Cas call compares against. By default
// the entry's last-known version is used. Set ignores it.
func WithOldVersion(version int64) WriteOption {
	return func(o *writeOptions) { o.oldVersion = &version }
}
