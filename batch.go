package astorage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
)

// Batcher coalesces writes registered through Entry.Set and Entry.Cas
// with WithBatch. Registration defers the write; the registering call
// returns once the batch has been executed.
type Batcher interface {
	set(ctx context.Context, partition, clustering Key, newValue json.RawMessage, n, r, w int) (int64, error)
	cas(ctx context.Context, partition, clustering Key, newValue json.RawMessage, oldVersion int64, n, r, w int) (int64, error)
}

type (
	// BatchManual coalesces writes per partition key and executes them
	// with one wire call per partition when Send is invoked. A batch is
	// single-use: after Send no further writes may be registered.
	BatchManual struct {
		t *transport

		mu         sync.Mutex
		sent       bool
		partitions map[string]*partitionBatch

		// done resolves every registered caller once Send finished.
		done chan struct{}
	}

	// partitionBatch holds the pending writes of one partition. The
	// quorum parameters of the first registered write apply to the whole
	// partition call.
	partitionBatch struct {
		partition Key
		n, r, w   int
		entries   map[string]*batchEntry

		// err is the outcome of this partition's wire call, set before
		// done resolves and read only after.
		err error
	}

	batchEntry struct {
		clustering Key
		newValue   json.RawMessage
		oldVersion *int64
		newVersion int64
	}
)

var _ Batcher = (*BatchManual)(nil)

func (b *BatchManual) set(ctx context.Context, partition, clustering Key, newValue json.RawMessage, n, r, w int) (int64, error) {
	return b.register(ctx, partition, &batchEntry{
		clustering: clustering.Clone(),
		newValue:   newValue,
	}, n, r, w)
}

func (b *BatchManual) cas(ctx context.Context, partition, clustering Key, newValue json.RawMessage, oldVersion int64, n, r, w int) (int64, error) {
	return b.register(ctx, partition, &batchEntry{
		clustering: clustering.Clone(),
		newValue:   newValue,
		oldVersion: &oldVersion,
	}, n, r, w)
}

// register adds the entry under its partition and blocks until Send
// resolves the batch. Registering a clustering key twice in one
// partition, or registering after Send, is a programmer error rejected
// locally without a wire call. A caller cancelled before Send takes its
// entry back out of the batch; once Send has started the entry is part
// of the wire call and the caller waits for the outcome.
func (b *BatchManual) register(ctx context.Context, partition Key, entry *batchEntry, n, r, w int) (int64, error) {
	b.mu.Lock()
	if b.sent {
		b.mu.Unlock()
		return 0, ErrBatchSent
	}

	pk := partition.String()
	pb, ok := b.partitions[pk]
	if !ok {
		pb = &partitionBatch{
			partition: partition.Clone(),
			n:         n, r: r, w: w,
			entries: map[string]*batchEntry{},
		}
		b.partitions[pk] = pb
	}

	ck := entry.clustering.String()
	if _, ok := pb.entries[ck]; ok {
		b.mu.Unlock()
		return 0, ErrBatchKeyAlreadySet
	}
	pb.entries[ck] = entry
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		b.mu.Lock()
		if !b.sent {
			// The write never left; withdraw it so Send won't carry it.
			delete(pb.entries, ck)
			if len(pb.entries) == 0 {
				delete(b.partitions, pk)
			}
			b.mu.Unlock()
			return 0, ctx.Err()
		}
		b.mu.Unlock()
		// Send already owns the entry and the write goes out with the
		// batch regardless, so report its real outcome.
		<-b.done
	}

	if pb.err != nil {
		return 0, pb.err
	}
	return entry.newVersion, nil
}

// Send executes the batch: one wire call per registered partition, all
// partitions concurrently. Each partition call is atomic as reported by
// the server; there is no atomicity across partitions. When a partition
// call fails, its error propagates to every caller registered in that
// partition, while other partitions' callers still receive their
// versions. The returned error aggregates the failed partitions.
//
// Send may be invoked exactly once.
func (b *BatchManual) Send(ctx context.Context) error {
	b.mu.Lock()
	if b.sent {
		b.mu.Unlock()
		return ErrBatchSent
	}
	b.sent = true
	partitions := make([]*partitionBatch, 0, len(b.partitions))
	for _, pb := range b.partitions {
		partitions = append(partitions, pb)
	}
	b.mu.Unlock()

	defer close(b.done)

	var wg sync.WaitGroup
	for _, pb := range partitions {
		wg.Add(1)
		go func(pb *partitionBatch) {
			defer wg.Done()
			pb.err = b.sendPartition(ctx, pb)
		}(pb)
	}
	wg.Wait()

	var errs error
	for _, pb := range partitions {
		if pb.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("partition %s: %w", pb.partition, pb.err))
		}
	}
	return errs
}

type batchWireItem struct {
	Key     []string        `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version *int64          `json:"version"`
}

func (b *BatchManual) sendPartition(ctx context.Context, pb *partitionBatch) error {
	body := make([]batchWireItem, 0, len(pb.entries))
	for _, e := range pb.entries {
		body = append(body, batchWireItem{
			Key:     e.clustering,
			Value:   e.newValue,
			Version: e.oldVersion,
		})
	}

	var out []batchWireItem
	q := replicationValues(pb.n, pb.r, pb.w)
	if err := b.t.do(ctx, http.MethodPut, partitionPath(pb.partition), q, body, &out); err != nil {
		return err
	}

	if len(out) != len(pb.entries) {
		return fmt.Errorf("astorage: batch response has %d results for %d keys", len(out), len(pb.entries))
	}
	for _, item := range out {
		entry, ok := pb.entries[Key(item.Key).String()]
		if !ok {
			return fmt.Errorf("astorage: batch response contains unknown key %q", Key(item.Key))
		}
		if item.Version == nil {
			return fmt.Errorf("astorage: batch response is missing a version for key %q", Key(item.Key))
		}
		entry.newVersion = *item.Version
	}
	return nil
}
