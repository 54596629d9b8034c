package astorage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populateTree(t *testing.T, tree *Tree, keys ...string) {
	t.Helper()
	ctx := context.Background()
	for _, k := range keys {
		c, err := tree.Cursor(ctx, K(k))
		require.NoError(t, err)
		_, err = c.Set(ctx, "value-"+k)
		require.NoError(t, err)
	}
}

func TestTreePointLookup(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	populateTree(t, tree, "monday")

	c, err := tree.Cursor(ctx, K("monday"))
	require.NoError(t, err)
	assert.Equal(t, K("monday"), c.Key())
	assert.JSONEq(t, `"value-monday"`, string(c.Value()))
	assert.EqualValues(t, 1, c.Version())

	// A missing key still yields a cursor, with no value.
	absent, err := tree.Cursor(ctx, K("friday"))
	require.NoError(t, err)
	require.NotNil(t, absent)
	assert.Equal(t, K("friday"), absent.Key())
	assert.Nil(t, absent.Value())
	assert.EqualValues(t, 0, absent.Version())
}

func TestTreeSetVersionsLikeEntries(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	c, err := tree.Cursor(ctx, K("day"))
	require.NoError(t, err)

	v1, err := c.Set(ctx, "first")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v1)

	v2, err := c.Set(ctx, "second")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v2)
}

func TestTreeNextPrevInverse(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	populateTree(t, tree, "a", "b", "c")

	b, err := tree.Cursor(ctx, K("b"))
	require.NoError(t, err)

	next, err := b.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, K("c"), next.Key())

	back, err := next.Prev(ctx)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, b.Key(), back.Key())
	assert.Equal(t, string(b.Value()), string(back.Value()))
}

func TestTreeNavigationTerminals(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	populateTree(t, tree, "a", "b")

	last, err := tree.Cursor(ctx, K("b"))
	require.NoError(t, err)
	end, err := last.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, end)

	first, err := tree.Cursor(ctx, K("a"))
	require.NoError(t, err)
	start, err := first.Prev(ctx)
	require.NoError(t, err)
	assert.Nil(t, start)
}

func TestTreeNavigationFromAbsentKey(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	populateTree(t, tree, "a", "c")

	// An absent key still works as a navigation entry point.
	middle, err := tree.Cursor(ctx, K("b"))
	require.NoError(t, err)

	next, err := middle.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, K("c"), next.Key())

	prev, err := middle.Prev(ctx)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, K("a"), prev.Key())
}

func TestTreeRangeBoundaries(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()

	tree := env.session.Tree(K("calendar"))
	populateTree(t, tree, "a", "b", "c")

	keys := func(cursors []*Cursor) []string {
		out := make([]string, len(cursors))
		for i, c := range cursors {
			out[i] = c.Key()[0]
		}
		return out
	}

	all, err := tree.Range(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys(all))

	afterA, err := tree.Range(ctx, WithFirst(K("a")))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(afterA))

	untilB, err := tree.Range(ctx, WithLast(K("b")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys(untilB))

	limited, err := tree.Range(ctx, WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys(limited))
}

func TestTreeWritesFollowTransactionLifecycle(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := env.session.Transact(ctx, func(tx *Transaction) error {
		c, err := tx.Tree(K("calendar")).Cursor(ctx, K("day"))
		if err != nil {
			return err
		}
		if _, err := c.Set(ctx, "discarded"); err != nil {
			return err
		}

		// The transaction reads its own write; other sessions do not
		// see it yet.
		own, err := tx.Tree(K("calendar")).Cursor(ctx, K("day"))
		if err != nil {
			return err
		}
		assert.EqualValues(t, 1, own.Version())
		outside, err := env.session.Tree(K("calendar")).Cursor(ctx, K("day"))
		if err != nil {
			return err
		}
		assert.EqualValues(t, 0, outside.Version())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := env.session.Tree(K("calendar")).Cursor(ctx, K("day"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Version())
	assert.Nil(t, c.Value())

	err = env.session.Transact(ctx, func(tx *Transaction) error {
		c, err := tx.Tree(K("calendar")).Cursor(ctx, K("day"))
		if err != nil {
			return err
		}
		_, err = c.Set(ctx, "kept")
		return err
	})
	require.NoError(t, err)

	c, err = env.session.Tree(K("calendar")).Cursor(ctx, K("day"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Version())
	assert.JSONEq(t, `"kept"`, string(c.Value()))
}
