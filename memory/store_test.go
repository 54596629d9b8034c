package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestVersionsIncrementPerKey(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	v, err := s.Put([]string{"p"}, []string{"k"}, raw(`1`), nil, 0)
	a.NoError(err)
	a.EqualValues(1, v)

	v, err = s.Put([]string{"p"}, []string{"k"}, raw(`2`), nil, 0)
	a.NoError(err)
	a.EqualValues(2, v)

	// Other keys keep their own counters.
	v, err = s.Put([]string{"p"}, []string{"other"}, raw(`1`), nil, 0)
	a.NoError(err)
	a.EqualValues(1, v)
}

func TestConditionalPut(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	old := int64(0)
	v, err := s.Put([]string{"p"}, []string{"k"}, raw(`"a"`), &old, 0)
	a.NoError(err)
	a.EqualValues(1, v)

	stale := int64(0)
	_, err = s.Put([]string{"p"}, []string{"k"}, raw(`"b"`), &stale, 0)
	a.ErrorIs(err, ErrConflict)

	version, value, err := s.Get([]string{"p"}, []string{"k"}, 0, false)
	a.NoError(err)
	a.EqualValues(1, version)
	a.Equal(`"a"`, string(value))
}

func TestBatchPutIsAtomicPerPartition(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	bad := int64(5)
	_, err := s.BatchPut([]string{"p"}, []BatchOp{
		{Key: []string{"x"}, Value: raw(`1`)},
		{Key: []string{"y"}, Value: raw(`2`), OldVersion: &bad},
	})
	a.ErrorIs(err, ErrConflict)
	a.EqualValues(0, s.Version([]string{"p"}, []string{"x"}))

	results, err := s.BatchPut([]string{"p"}, []BatchOp{
		{Key: []string{"x"}, Value: raw(`1`)},
		{Key: []string{"y"}, Value: raw(`2`)},
	})
	a.NoError(err)
	a.Len(results, 2)
	for _, r := range results {
		a.EqualValues(1, r.Version)
	}
}

func TestTransactionBufferingAndRollback(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	id := s.Begin()
	v, err := s.Put([]string{"p"}, []string{"k"}, raw(`"pending"`), nil, id)
	a.NoError(err)
	a.EqualValues(1, v)

	// Invisible outside the transaction until commit.
	version, _, err := s.Get([]string{"p"}, []string{"k"}, 0, false)
	a.NoError(err)
	a.EqualValues(0, version)

	// Visible inside.
	version, value, err := s.Get([]string{"p"}, []string{"k"}, id, false)
	a.NoError(err)
	a.EqualValues(1, version)
	a.Equal(`"pending"`, string(value))

	a.NoError(s.Rollback(id))
	version, _, err = s.Get([]string{"p"}, []string{"k"}, 0, false)
	a.NoError(err)
	a.EqualValues(0, version)

	a.ErrorIs(s.Commit(id), ErrTxCompleted)
	_, _, err = s.Get([]string{"p"}, []string{"k"}, id, false)
	a.ErrorIs(err, ErrTxCompleted)
	_, _, err = s.Get([]string{"p"}, []string{"k"}, 42, false)
	a.ErrorIs(err, ErrTxNotFound)
}

func TestWatchValidationAtCommit(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	_, err := s.Put([]string{"p"}, []string{"k"}, raw(`1`), nil, 0)
	a.NoError(err)

	id := s.Begin()
	_, _, err = s.Get([]string{"p"}, []string{"k"}, id, true)
	a.NoError(err)

	// Independent committed write invalidates the watched read.
	_, err = s.Put([]string{"p"}, []string{"k"}, raw(`2`), nil, 0)
	a.NoError(err)

	_, err = s.Put([]string{"p"}, []string{"other"}, raw(`3`), nil, id)
	a.NoError(err)

	a.ErrorIs(s.Commit(id), ErrConflict)
	// The aborted write never landed.
	a.EqualValues(0, s.Version([]string{"p"}, []string{"other"}))
}

func TestScanBounds(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put([]string{"p"}, []string{k}, raw(`"`+k+`"`), nil, 0)
		a.NoError(err)
	}

	keys := func(items []Item) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.Key[0]
		}
		return out
	}

	a.Equal([]string{"a", "b", "c"}, keys(s.RangeScan([]string{"p"}, nil, nil, 0)))
	a.Equal([]string{"b", "c"}, keys(s.RangeScan([]string{"p"}, []string{"a"}, nil, 0)))
	a.Equal([]string{"a", "b"}, keys(s.RangeScan([]string{"p"}, nil, []string{"b"}, 0)))
	a.Equal([]string{"a"}, keys(s.RangeScan([]string{"p"}, nil, nil, 1)))

	// Multi-component clustering keys order component-wise.
	_, err := s.Put([]string{"p"}, []string{"a", "sub"}, raw(`1`), nil, 0)
	a.NoError(err)
	a.Equal([][]string{{"a"}, {"a", "sub"}}, func() [][]string {
		items := s.RangeScan([]string{"p"}, nil, []string{"a", "sub"}, 0)
		out := make([][]string, len(items))
		for i, it := range items {
			out[i] = it.Key
		}
		return out
	}())
}

func TestTreeNeighbours(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.TreePut([]string{"t"}, []string{k}, raw(`"`+k+`"`), 0)
		a.NoError(err)
	}

	next, err := s.TreeNext([]string{"t"}, []string{"a"}, 0)
	a.NoError(err)
	if a.NotNil(next) {
		a.Equal([]string{"b"}, next.Key)
	}
	prev, err := s.TreePrev([]string{"t"}, []string{"b"}, 0)
	a.NoError(err)
	if a.NotNil(prev) {
		a.Equal([]string{"a"}, prev.Key)
	}

	next, err = s.TreeNext([]string{"t"}, []string{"c"}, 0)
	a.NoError(err)
	a.Nil(next)
	prev, err = s.TreePrev([]string{"t"}, []string{"a"}, 0)
	a.NoError(err)
	a.Nil(prev)

	// Lookup of a missing key keeps the queried position.
	item, err := s.TreeGet([]string{"t"}, []string{"zz"}, 0)
	a.NoError(err)
	a.Equal([]string{"zz"}, item.Key)
	a.EqualValues(0, item.Version)
}

func TestTreeWritesBufferedInTransaction(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	id := s.Begin()
	v, err := s.TreePut([]string{"t"}, []string{"k"}, raw(`"pending"`), id)
	a.NoError(err)
	a.EqualValues(1, v)

	// The transaction reads its own write; outside readers do not.
	item, err := s.TreeGet([]string{"t"}, []string{"k"}, id)
	a.NoError(err)
	a.EqualValues(1, item.Version)
	item, err = s.TreeGet([]string{"t"}, []string{"k"}, 0)
	a.NoError(err)
	a.EqualValues(0, item.Version)

	a.NoError(s.Rollback(id))
	item, err = s.TreeGet([]string{"t"}, []string{"k"}, 0)
	a.NoError(err)
	a.EqualValues(0, item.Version)
	a.Nil(item.Value)

	id = s.Begin()
	_, err = s.TreePut([]string{"t"}, []string{"k"}, raw(`"kept"`), id)
	a.NoError(err)
	a.NoError(s.Commit(id))
	item, err = s.TreeGet([]string{"t"}, []string{"k"}, 0)
	a.NoError(err)
	a.EqualValues(1, item.Version)
	a.JSONEq(`"kept"`, string(item.Value))
}

func TestQueryIndexConditions(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	s := NewStore()

	s.DeclareColumns([]string{"p"}, "size", "name")
	_, err := s.Put([]string{"p"}, []string{"k1"}, raw(`{"size": 10, "name": "small"}`), nil, 0)
	r.NoError(err)
	_, err = s.Put([]string{"p"}, []string{"k2"}, raw(`{"size": 20, "name": "large"}`), nil, 0)
	r.NoError(err)

	items, err := s.QueryIndex([]string{"p"}, map[string]Condition{
		"size": {From: float64(10), To: float64(15)},
	}, 0)
	r.NoError(err)
	r.Len(items, 1)
	a.Equal([]string{"k1"}, items[0].Key)

	items, err = s.QueryIndex([]string{"p"}, map[string]Condition{
		"name": {Eq: "large"},
	}, 0)
	r.NoError(err)
	r.Len(items, 1)
	a.Equal([]string{"k2"}, items[0].Key)

	_, err = s.QueryIndex([]string{"p"}, map[string]Condition{"color": {Eq: "red"}}, 0)
	a.ErrorIs(err, ErrUnknownColumn)
}

func TestChangedSignal(t *testing.T) {
	a := assert.New(t)
	s := NewStore()

	ch := s.Changed()
	select {
	case <-ch:
		t.Fatal("changed before any write")
	default:
	}

	_, err := s.Put([]string{"p"}, []string{"k"}, raw(`1`), nil, 0)
	a.NoError(err)

	select {
	case <-ch:
	default:
		t.Fatal("write did not signal")
	}
}
