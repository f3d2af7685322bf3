package sqlstore

import (
	"context"
	"errors"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
)

// ErrSessionDone is returned when a finished session is used again.
var ErrSessionDone = outcome.ConfigError("SESSION_DONE", "session already committed or rolled back")

// Session is the unit of work of one batch. It is not safe for concurrent use.
type Session struct {
	ctx     context.Context
	cluster *Cluster
	txs     map[sharding.Selector]bun.Tx
	order   []sharding.Selector
	done    bool
	logger  logging.Logger
}

// Tx returns the transaction of shard sel, beginning it on first use.
func (s *Session) Tx(sel sharding.Selector) (bun.IDB, error) {
	if s.done {
		return nil, ErrSessionDone
	}
	if tx, ok := s.txs[sel]; ok {
		return tx, nil
	}
	db, err := s.cluster.DB(sel)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(s.ctx, nil)
	if err != nil {
		return nil, outcome.TransportError(err, codeTransport, "begin transaction on "+sel.String())
	}
	s.txs[sel] = tx
	s.order = append(s.order, sel)
	return tx, nil
}

// Shards returns the shards with an open transaction, in opening order.
func (s *Session) Shards() []sharding.Selector {
	return append([]sharding.Selector(nil), s.order...)
}

// Commit commits every open transaction in opening order. When a commit
// fails the remaining transactions are rolled back; the shards committed
// before the failure are returned alongside the error.
func (s *Session) Commit() ([]sharding.Selector, error) {
	if s.done {
		return nil, ErrSessionDone
	}
	s.done = true

	committed := make([]sharding.Selector, 0, len(s.order))
	for i, sel := range s.order {
		if err := s.txs[sel].Commit(); err != nil {
			s.logger.Error("commit failed", err, logging.String("shard", sel.String()))
			s.rollback(s.order[i+1:])
			return committed, outcome.TransportError(err, codeTransport, "commit "+sel.String())
		}
		committed = append(committed, sel)
	}
	return committed, nil
}

// Rollback aborts every open transaction.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.rollback(s.order)
}

// Close rolls back anything not yet committed. It is safe to call more than once.
func (s *Session) Close() error {
	return s.Rollback()
}

func (s *Session) rollback(shards []sharding.Selector) error {
	var errs []error
	for _, sel := range shards {
		if err := s.txs[sel].Rollback(); err != nil {
			s.logger.Error("rollback failed", err, logging.String("shard", sel.String()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
