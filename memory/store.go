// Package memory is an in-memory AStorage server speaking the same wire
// protocol as the real cluster. It backs the client test suites and the
// demo server: hermetic, deterministic, single node.
package memory

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

var (
	ErrConflict      = errors.New("memory: version conflict")
	ErrTxNotFound    = errors.New("memory: transaction not found")
	ErrTxCompleted   = errors.New("memory: transaction already completed")
	ErrUnknownColumn = errors.New("memory: column is not a declared index column")
)

type (
	// Store holds every keyspace of the fake cluster: partitioned kv
	// entries, distributed trees and open transactions. Versions are
	// per key and strictly increase on every applied write.
	Store struct {
		mu         sync.Mutex
		txSeq      int64
		partitions *btree.Tree[string, *keyspace]
		trees      *btree.Tree[string, *keyspace]
		txs        map[int64]*tx

		// changed is closed and replaced whenever a write becomes
		// visible; long polls park on it.
		changed  chan struct{}
		onChange func(Event)
	}

	keyspace struct {
		entries *btree.Tree[string, *entry]
		columns map[string]bool
	}

	entry struct {
		key     []string
		version int64
		value   json.RawMessage
	}

	tx struct {
		id         int64
		done       bool
		watches    map[string]watchedRead
		writes     map[string]*txWrite
		treeWrites map[string]*treeWrite
	}

	watchedRead struct {
		version int64
	}

	txWrite struct {
		partition  []string
		clustering []string
		value      json.RawMessage
		version    int64
	}

	treeWrite struct {
		tree    []string
		key     []string
		value   json.RawMessage
		version int64
	}

	// Item is one key with its version and value, as it appears in
	// range, batch and query responses.
	Item struct {
		Key     []string        `json:"key"`
		Version int64           `json:"version"`
		Value   json.RawMessage `json:"value"`
	}

	// BatchOp is one pending write of a partition batch call. A nil
	// OldVersion means an unconditional set.
	BatchOp struct {
		Key        []string
		Value      json.RawMessage
		OldVersion *int64
	}

	// Condition constrains one index column; From and To are inclusive.
	Condition struct {
		Eq   any `json:"eq"`
		From any `json:"from"`
		To   any `json:"to"`
	}

	// Event describes one applied write. Partition is the partition key,
	// or the tree name for tree writes.
	Event struct {
		Partition []string `json:"partition"`
		Key       []string `json:"key"`
		Version   int64    `json:"version"`
	}
)

func NewStore() *Store {
	return &Store{
		partitions: btree.New[string, *keyspace](generic.Less[string]),
		trees:      btree.New[string, *keyspace](generic.Less[string]),
		txs:        map[int64]*tx{},
		changed:    make(chan struct{}),
	}
}

// OnChange registers a hook invoked after every applied write. Used by
// the demo server to feed its event stream.
func (s *Store) OnChange(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// ordKey joins key components with a separator below any printable byte,
// so string order over the joined form matches lexicographic order over
// components.
func ordKey(parts []string) string {
	return strings.Join(parts, "\x00")
}

func fullKey(partition, clustering []string) string {
	return ordKey(partition) + "\x01" + ordKey(clustering)
}

func (s *Store) space(dir *btree.Tree[string, *keyspace], key []string) *keyspace {
	id := ordKey(key)
	if ks, ok := dir.Get(id); ok {
		return ks
	}
	ks := &keyspace{
		entries: btree.New[string, *entry](generic.Less[string]),
		columns: map[string]bool{},
	}
	dir.Put(id, ks)
	return ks
}

func (s *Store) lookup(partition, clustering []string) *entry {
	ks := s.space(s.partitions, partition)
	e, ok := ks.entries.Get(ordKey(clustering))
	if !ok {
		e = &entry{key: append([]string(nil), clustering...)}
		ks.entries.Put(ordKey(clustering), e)
	}
	return e
}

func (s *Store) transaction(id int64) (*tx, error) {
	t, ok := s.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	if t.done {
		return nil, ErrTxCompleted
	}
	return t, nil
}

// notify wakes long polls and fires the change hook. Callers hold the
// store lock.
func (s *Store) notify(ev Event) {
	close(s.changed)
	s.changed = make(chan struct{})
	if s.onChange != nil {
		go s.onChange(ev)
	}
}

// Changed returns the channel closed on the next visible write. Obtain
// it before reading to avoid missing a wakeup.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Get reads one key. Inside a transaction the transaction's own buffered
// writes are visible; a watched read records the committed version for
// validation at commit. txID 0 means no transaction.
func (s *Store) Get(partition, clustering []string, txID int64, watch bool) (int64, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(partition, clustering)
	if txID == 0 {
		return e.version, e.value, nil
	}

	t, err := s.transaction(txID)
	if err != nil {
		return 0, nil, err
	}
	if watch {
		fk := fullKey(partition, clustering)
		if _, ok := t.watches[fk]; !ok {
			t.watches[fk] = watchedRead{version: e.version}
		}
	}
	if w, ok := t.writes[fullKey(partition, clustering)]; ok {
		return w.version, w.value, nil
	}
	return e.version, e.value, nil
}

// Put writes one key. A non-nil oldVersion makes it conditional against
// the currently visible version. Writes inside a transaction are
// buffered until commit but get their version assigned immediately.
func (s *Store) Put(partition, clustering []string, value json.RawMessage, oldVersion *int64, txID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(partition, clustering)

	if txID == 0 {
		if oldVersion != nil && *oldVersion != e.version {
			return 0, ErrConflict
		}
		e.version++
		e.value = value
		s.notify(Event{Partition: partition, Key: clustering, Version: e.version})
		return e.version, nil
	}

	t, err := s.transaction(txID)
	if err != nil {
		return 0, err
	}
	fk := fullKey(partition, clustering)
	current := e.version
	if w, ok := t.writes[fk]; ok {
		current = w.version
	}
	if oldVersion != nil && *oldVersion != current {
		return 0, ErrConflict
	}
	w := &txWrite{
		partition:  append([]string(nil), partition...),
		clustering: append([]string(nil), clustering...),
		value:      value,
		version:    current + 1,
	}
	t.writes[fk] = w
	return w.version, nil
}

// BatchPut applies one partition batch atomically: every conditional
// write is validated first and any mismatch fails the whole call without
// applying anything.
func (s *Store) BatchPut(partition []string, ops []BatchOp) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.space(s.partitions, partition)
	for _, op := range ops {
		if op.OldVersion == nil {
			continue
		}
		var current int64
		if e, ok := ks.entries.Get(ordKey(op.Key)); ok {
			current = e.version
		}
		if *op.OldVersion != current {
			return nil, ErrConflict
		}
	}

	results := make([]Item, 0, len(ops))
	for _, op := range ops {
		e := s.lookup(partition, op.Key)
		e.version++
		e.value = op.Value
		results = append(results, Item{Key: op.Key, Version: e.version})
		s.notify(Event{Partition: partition, Key: op.Key, Version: e.version})
	}
	return results, nil
}

// Version returns the committed version of one key.
func (s *Store) Version(partition, clustering []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(partition, clustering).version
}

// RangeScan returns the partition's written entries in ascending
// clustering order, strictly after from, up to and including to, at most
// limit (0 = unbounded).
func (s *Store) RangeScan(partition, from, to []string, limit int) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scan(s.space(s.partitions, partition), from, to, limit)
}

func scan(ks *keyspace, from, to []string, limit int) []Item {
	fromKey := ""
	if len(from) > 0 {
		fromKey = ordKey(from)
	}
	toKey := ""
	if len(to) > 0 {
		toKey = ordKey(to)
	}

	items := make([]Item, 0)
	ks.entries.Each(func(key string, e *entry) {
		if e.version == 0 {
			return
		}
		if fromKey != "" && key <= fromKey {
			return
		}
		if toKey != "" && key > toKey {
			return
		}
		items = append(items, Item{Key: e.key, Version: e.version, Value: e.value})
	})

	sort.Slice(items, func(i, j int) bool {
		return ordKey(items[i].Key) < ordKey(items[j].Key)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Begin opens a transaction and returns its id. Ids start at 1; 0 is
// reserved for "no transaction".
func (s *Store) Begin() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txSeq++
	s.txs[s.txSeq] = &tx{
		id:         s.txSeq,
		watches:    map[string]watchedRead{},
		writes:     map[string]*txWrite{},
		treeWrites: map[string]*treeWrite{},
	}
	return s.txSeq
}

// Commit validates the transaction's watched reads and applies its
// buffered writes. Any watched key whose committed version changed since
// it was read aborts the transaction as a unit with ErrConflict.
func (s *Store) Commit(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transaction(id)
	if err != nil {
		return err
	}
	t.done = true

	for fk, read := range t.watches {
		partition, clustering := splitFullKey(fk)
		if s.lookup(partition, clustering).version != read.version {
			return ErrConflict
		}
	}

	for _, w := range t.writes {
		e := s.lookup(w.partition, w.clustering)
		version := w.version
		if version <= e.version {
			version = e.version + 1
		}
		e.version = version
		e.value = w.value
		s.notify(Event{Partition: w.partition, Key: w.clustering, Version: e.version})
	}

	for _, w := range t.treeWrites {
		e := s.treeEntry(w.tree, w.key)
		version := w.version
		if version <= e.version {
			version = e.version + 1
		}
		e.version = version
		e.value = w.value
		s.notify(Event{Partition: w.tree, Key: w.key, Version: e.version})
	}
	return nil
}

// Rollback discards the transaction's buffered writes.
func (s *Store) Rollback(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.transaction(id)
	if err != nil {
		return err
	}
	t.done = true
	t.writes = nil
	t.treeWrites = nil
	return nil
}

func splitFullKey(fk string) ([]string, []string) {
	parts := strings.SplitN(fk, "\x01", 2)
	partition := strings.Split(parts[0], "\x00")
	var clustering []string
	if len(parts) == 2 && parts[1] != "" {
		clustering = strings.Split(parts[1], "\x00")
	}
	return partition, clustering
}

func (s *Store) treeEntry(tree, key []string) *entry {
	ks := s.space(s.trees, tree)
	e, ok := ks.entries.Get(ordKey(key))
	if !ok {
		e = &entry{key: append([]string(nil), key...)}
		ks.entries.Put(ordKey(key), e)
	}
	return e
}

// TreeGet returns the tree entry at key. Missing keys yield a zero
// version and nil value, still positioned at key. Inside a transaction
// the read observes the transaction's own buffered tree writes.
func (s *Store) TreeGet(tree, key []string, txID int64) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txID != 0 {
		t, err := s.transaction(txID)
		if err != nil {
			return Item{}, err
		}
		if w, ok := t.treeWrites[fullKey(tree, key)]; ok {
			return Item{Key: w.key, Version: w.version, Value: w.value}, nil
		}
	}
	ks := s.space(s.trees, tree)
	if e, ok := ks.entries.Get(ordKey(key)); ok {
		return Item{Key: e.key, Version: e.version, Value: e.value}, nil
	}
	return Item{Key: key}, nil
}

// TreePut writes the tree entry at key and returns the new version.
// Inside a transaction the write stays buffered until Commit; Rollback
// discards it.
func (s *Store) TreePut(tree, key []string, value json.RawMessage, txID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txID != 0 {
		t, err := s.transaction(txID)
		if err != nil {
			return 0, err
		}
		fk := fullKey(tree, key)
		current := int64(0)
		if e, ok := s.space(s.trees, tree).entries.Get(ordKey(key)); ok {
			current = e.version
		}
		if w, ok := t.treeWrites[fk]; ok {
			current = w.version
		}
		w := &treeWrite{
			tree:    append([]string(nil), tree...),
			key:     append([]string(nil), key...),
			value:   value,
			version: current + 1,
		}
		t.treeWrites[fk] = w
		return w.version, nil
	}

	e := s.treeEntry(tree, key)
	e.version++
	e.value = value
	s.notify(Event{Partition: tree, Key: key, Version: e.version})
	return e.version, nil
}

// TreeNext returns the entry at the smallest written key strictly above
// key, or nil at the end of the key space. Navigation observes committed
// state only; buffered tree writes become visible at commit.
func (s *Store) TreeNext(tree, key []string, txID int64) (*Item, error) {
	return s.treeStep(tree, key, txID, true)
}

// TreePrev returns the entry at the largest written key strictly below
// key, or nil at the start of the key space.
func (s *Store) TreePrev(tree, key []string, txID int64) (*Item, error) {
	return s.treeStep(tree, key, txID, false)
}

func (s *Store) treeStep(tree, key []string, txID int64, forward bool) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txID != 0 {
		if _, err := s.transaction(txID); err != nil {
			return nil, err
		}
	}

	at := ordKey(key)
	var best *entry
	s.space(s.trees, tree).entries.Each(func(k string, e *entry) {
		if e.version == 0 {
			return
		}
		if forward {
			if k > at && (best == nil || k < ordKey(best.key)) {
				best = e
			}
		} else {
			if k < at && (best == nil || k > ordKey(best.key)) {
				best = e
			}
		}
	})
	if best == nil {
		return nil, nil
	}
	return &Item{Key: best.key, Version: best.version, Value: best.value}, nil
}

// TreeRange scans the tree like RangeScan scans a partition.
func (s *Store) TreeRange(tree, from, to []string, limit int, txID int64) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txID != 0 {
		if _, err := s.transaction(txID); err != nil {
			return nil, err
		}
	}
	return scan(s.space(s.trees, tree), from, to, limit), nil
}

// DeclareColumns declares the index columns of a partition's keyspace.
// On the real cluster this is an administrative operation; tests call it
// directly.
func (s *Store) DeclareColumns(partition []string, columns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.space(s.partitions, partition)
	for _, c := range columns {
		ks.columns[c] = true
	}
}

// QueryIndex returns the partition's entries whose JSON object values
// satisfy every condition, in ascending key order. Conditions may only
// name declared columns.
func (s *Store) QueryIndex(partition []string, query map[string]Condition, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.space(s.partitions, partition)
	for column := range query {
		if !ks.columns[column] {
			return nil, ErrUnknownColumn
		}
	}

	items := make([]Item, 0)
	ks.entries.Each(func(key string, e *entry) {
		if e.version == 0 {
			return
		}
		if matches(e.value, query) {
			items = append(items, Item{Key: e.key, Version: e.version, Value: e.value})
		}
	})

	sort.Slice(items, func(i, j int) bool {
		return ordKey(items[i].Key) < ordKey(items[j].Key)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func matches(value json.RawMessage, query map[string]Condition) bool {
	var obj map[string]any
	if err := json.Unmarshal(value, &obj); err != nil {
		return false
	}
	for column, cond := range query {
		v, ok := obj[column]
		if !ok {
			return false
		}
		if cond.Eq != nil {
			if c, ok := compareValues(v, cond.Eq); !ok || c != 0 {
				return false
			}
		}
		if cond.From != nil {
			if c, ok := compareValues(v, cond.From); !ok || c < 0 {
				return false
			}
		}
		if cond.To != nil {
			if c, ok := compareValues(v, cond.To); !ok || c > 0 {
				return false
			}
		}
	}
	return true
}

// compareValues compares two JSON-decoded scalars of the same kind.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}
