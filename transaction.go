package astorage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

const txPath = "/astorage/v2/tx"

type txState int

const (
	txOpen txState = iota
	txFinalizing
	txCommitted
	txRolledBack
)

// Transaction is a server-assigned scope for reads and writes. Reads
// performed through it with WithWatch join its optimistic read-set: at
// commit the server verifies every watched key is unchanged since it was
// read and aborts the whole transaction otherwise.
//
// A transaction is finalized by exactly one Commit or Rollback. Prefer
// Session.Transact, which finalizes automatically.
type Transaction struct {
	session *Session
	id      int64

	mu    sync.Mutex
	state txState
}

// Begin starts a transaction in manual mode. The caller owns exactly one
// terminal call, Commit or Rollback.
func (s *Session) Begin(ctx context.Context) (*Transaction, error) {
	var out struct {
		Index int64 `json:"index"`
	}
	if err := s.t.do(ctx, http.MethodPost, txPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return &Transaction{session: s, id: out.Index}, nil
}

// Transact runs fn inside a transaction scope. A nil return commits, an
// error or panic rolls back (the panic is re-raised). If fn already
// committed or rolled back, the scope exit does nothing.
func (s *Session) Transact(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if tx.Open() {
				tx.Rollback(ctx)
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if !tx.Open() {
			return err
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if !tx.Open() {
		return nil
	}
	return tx.Commit(ctx)
}

// ID returns the server-assigned transaction id.
func (tx *Transaction) ID() int64 { return tx.id }

// Open reports whether the transaction has not been finalized yet.
func (tx *Transaction) Open() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == txOpen
}

// Commit applies the transaction's writes after the server validated its
// watched reads. A watched key changed since it was read makes the whole
// commit fail with ErrCasConflict; nothing is applied.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.finalize(ctx, "commit", txCommitted)
}

// Rollback discards every write performed within the transaction.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.finalize(ctx, "rollback", txRolledBack)
}

func (tx *Transaction) finalize(ctx context.Context, action string, terminal txState) error {
	// Claiming the finalizing state here makes the open check and the
	// right to issue the wire call one atomic step, so two concurrent
	// Commit/Rollback calls cannot both reach the server.
	tx.mu.Lock()
	if tx.state != txOpen {
		tx.mu.Unlock()
		return ErrTransactionCompleted
	}
	tx.state = txFinalizing
	tx.mu.Unlock()

	path := txPath + "/" + strconv.FormatInt(tx.id, 10) + "/" + action
	err := tx.session.t.do(ctx, http.MethodPost, path, nil, nil, nil)

	// The transaction is gone server-side on success and on a watch
	// conflict; only a transport-level failure leaves it open.
	tx.mu.Lock()
	switch {
	case err == nil:
		tx.state = terminal
	case errors.Is(err, ErrCasConflict),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrTransactionCompleted):
		tx.state = txRolledBack
	default:
		tx.state = txOpen
	}
	tx.mu.Unlock()
	return err
}

// Entry creates a handle bound to this transaction without touching the
// server.
func (tx *Transaction) Entry(partition, clustering Key, options ...EntryOption) *Entry {
	return newEntry(tx.session, tx, partition, clustering, options)
}

// Get creates a bound handle and fetches its current value and version.
// Combine with WithWatch to join the read to the transaction's read-set.
func (tx *Transaction) Get(ctx context.Context, partition, clustering Key, options ...EntryOption) (*Entry, error) {
	e := tx.Entry(partition, clustering, options...)
	if _, err := e.Get(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Tree opens a distributed tree whose operations run in this transaction.
func (tx *Transaction) Tree(name Key, options ...EntryOption) *Tree {
	return newTree(tx.session, tx, name, options)
}
