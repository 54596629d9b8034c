package astorage

import (
	"context"
	"net/http"
)

type (
	// PartitionIndex executes conjunctive queries over index columns
	// previously declared for a partition's keyspace. Declaring columns
	// is an administrative operation outside this client.
	PartitionIndex struct {
		session   *Session
		partition Key
	}

	// Condition constrains one index column: an exact value or an
	// inclusive range. Zero fields are not sent.
	Condition struct {
		Eq   any `json:"eq,omitempty"`
		From any `json:"from,omitempty"`
		To   any `json:"to,omitempty"`
	}

	queryOptions struct {
		limit int
	}

	// QueryOption configures an index query.
	QueryOption func(o *queryOptions)
)

// WithQueryLimit truncates the query result to at most limit entries.
func WithQueryLimit(limit int) QueryOption {
	return func(o *queryOptions) { o.limit = limit }
}

// Eq matches the column exactly.
func Eq(v any) Condition { return Condition{Eq: v} }

// Between matches the column within [from, to], both inclusive.
func Between(from, to any) Condition { return Condition{From: from, To: to} }

// AtLeast matches the column at or above from.
func AtLeast(from any) Condition { return Condition{From: from} }

// AtMost matches the column at or below to.
func AtMost(to any) Condition { return Condition{To: to} }

type indexQueryBody struct {
	Params struct {
		Limit int `json:"limit,omitempty"`
	} `json:"params"`
	Query map[string]Condition `json:"query"`
}

// Query returns the partition's entries satisfying every condition, in
// ascending key order, truncated to the limit if one is given. Fields
// must name declared index columns.
func (ix *PartitionIndex) Query(ctx context.Context, query map[string]Condition, options ...QueryOption) ([]*Entry, error) {
	if err := checkPartition(ix.partition); err != nil {
		return nil, err
	}
	opts := queryOptions{}
	for _, option := range options {
		option(&opts)
	}
	if err := checkLimit(opts.limit); err != nil {
		return nil, err
	}

	body := indexQueryBody{Query: query}
	body.Params.Limit = opts.limit

	var out []wireEntry
	path := partitionPath(ix.partition) + "/index-query"
	if err := ix.session.t.do(ctx, http.MethodGet, path, nil, body, &out); err != nil {
		return nil, err
	}

	entries := make([]*Entry, len(out))
	for i, we := range out {
		e := newEntry(ix.session, nil, ix.partition, Key(we.Key), nil)
		e.version = we.Version
		e.value = we.Value
		entries[i] = e
	}
	return entries, nil
}
