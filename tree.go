package astorage

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

type (
	// Tree is an ordered key space independent of partition storage, with
	// its own versioned entries and the same CAS semantics. Navigation
	// happens through cursors.
	Tree struct {
		session *Session
		t       *transport
		tx      *Transaction
		name    Key
		n, r, w int
	}

	// Cursor is a position in the tree's total key order, produced only
	// by tree operations. It carries the key's value at lookup time; nil
	// means the key holds no value.
	Cursor struct {
		tree    *Tree
		key     Key
		value   json.RawMessage
		version int64
	}
)

func newTree(s *Session, tx *Transaction, name Key, options []EntryOption) *Tree {
	opts := applyEntryOptions(options)
	return &Tree{
		session: s,
		t:       s.t,
		tx:      tx,
		name:    name.Clone(),
		n:       opts.n,
		r:       opts.r,
		w:       opts.w,
	}
}

func (t *Tree) Name() Key { return t.name.Clone() }

func (t *Tree) validate(key Key) error {
	if err := checkPartition(t.name); err != nil {
		return err
	}
	if err := checkPartition(key); err != nil {
		return err
	}
	return checkReplication(t.n, t.r, t.w)
}

func (t *Tree) query() url.Values {
	q := replicationValues(t.n, t.r, t.w)
	if t.tx != nil {
		q.Set("transaction", strconv.FormatInt(t.tx.id, 10))
	}
	return q
}

// treeWireCursor is the lookup/navigation response. The server answers a
// JSON null when no such cursor exists.
type treeWireCursor struct {
	Key     []string        `json:"key"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

func (t *Tree) cursorFrom(w *treeWireCursor) *Cursor {
	if w == nil {
		return nil
	}
	value := w.Value
	if bytes.Equal(value, []byte("null")) {
		value = nil
	}
	return &Cursor{
		tree:    t,
		key:     Key(w.Key),
		value:   value,
		version: w.Version,
	}
}

// Cursor performs a point lookup and returns a cursor positioned at key.
// A key the tree does not hold yields a cursor with a nil value, usable
// as a navigation entry point.
func (t *Tree) Cursor(ctx context.Context, key Key) (*Cursor, error) {
	if err := t.validate(key); err != nil {
		return nil, err
	}
	var out *treeWireCursor
	path := treePath(t.name) + "/keys/" + key.String()
	if err := t.t.do(ctx, http.MethodGet, path, t.query(), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = &treeWireCursor{Key: key}
	}
	return t.cursorFrom(out), nil
}

// Range returns cursors for the tree's keys in ascending order. WithFirst
// starts strictly after the given key, WithLast ends at the given key
// inclusive, WithLimit truncates from the start. The result is fully
// materialized.
func (t *Tree) Range(ctx context.Context, options ...RangeOption) ([]*Cursor, error) {
	if err := checkPartition(t.name); err != nil {
		return nil, err
	}
	opts := rangeOptions{n: t.n, r: t.r, w: t.w}
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
	if t.tx != nil {
		q.Set("transaction", strconv.FormatInt(t.tx.id, 10))
	}
	addRangeBounds(q, opts)

	var out []treeWireCursor
	if err := t.t.do(ctx, http.MethodGet, treePath(t.name), q, nil, &out); err != nil {
		return nil, err
	}
	cursors := make([]*Cursor, len(out))
	for i := range out {
		cursors[i] = t.cursorFrom(&out[i])
	}
	return cursors, nil
}

// Key returns the key this cursor is positioned at.
func (c *Cursor) Key() Key { return c.key.Clone() }

// Value returns the value observed at lookup time; nil if the key holds
// no value.
func (c *Cursor) Value() json.RawMessage { return c.value }

// Version returns the version observed at lookup time.
func (c *Cursor) Version() int64 { return c.version }

// Decode unmarshals the cursor's value into v.
func (c *Cursor) Decode(v any) error {
	return json.Unmarshal(c.value, v)
}

// Set writes a new value at the cursor's key and returns the assigned
// version.
func (c *Cursor) Set(ctx context.Context, newValue any) (int64, error) {
	if err := c.tree.validate(c.key); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(newValue)
	if err != nil {
		return 0, err
	}

	var out struct {
		Version int64 `json:"version"`
	}
	path := treePath(c.tree.name) + "/keys/" + c.key.String()
	if err := c.tree.t.do(ctx, http.MethodPut, path, c.tree.query(), json.RawMessage(raw), &out); err != nil {
		return 0, err
	}
	c.version = out.Version
	c.value = raw
	return c.version, nil
}

// Next moves to the immediately following key in the tree's total order.
// At the end of the key space it returns (nil, nil): a terminal result,
// not an error.
func (c *Cursor) Next(ctx context.Context) (*Cursor, error) {
	return c.step(ctx, "next")
}

// Prev moves to the immediately preceding key. At the start of the key
// space it returns (nil, nil).
func (c *Cursor) Prev(ctx context.Context) (*Cursor, error) {
	return c.step(ctx, "prev")
}

func (c *Cursor) step(ctx context.Context, direction string) (*Cursor, error) {
	if err := c.tree.validate(c.key); err != nil {
		return nil, err
	}
	var out *treeWireCursor
	path := treePath(c.tree.name) + "/keys/" + c.key.String() + "/" + direction
	if err := c.tree.t.do(ctx, http.MethodGet, path, c.tree.query(), nil, &out); err != nil {
		return nil, err
	}
	return c.tree.cursorFrom(out), nil
}
