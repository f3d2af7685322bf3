package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
)

// Cluster is the set of physical databases addressed by shard selectors.
type Cluster struct {
	dbs    []*bun.DB
	logger logging.Logger
}

// NewCluster takes one database per shard, in selector order.
func NewCluster(dbs ...*bun.DB) (*Cluster, error) {
	if len(dbs) == 0 {
		return nil, outcome.ConfigError("NO_SHARDS", "cluster needs at least one database")
	}
	for i, db := range dbs {
		if db == nil {
			return nil, outcome.ConfigError("NO_SHARDS", fmt.Sprintf("database for shard %d is nil", i))
		}
	}
	return &Cluster{dbs: dbs, logger: logging.NewNopLogger()}, nil
}

// WithLogger sets the logger used by sessions.
func (c *Cluster) WithLogger(l logging.Logger) *Cluster {
	c.logger = logging.OrNop(l)
	return c
}

// DB returns the database of shard sel.
func (c *Cluster) DB(sel sharding.Selector) (*bun.DB, error) {
	if int(sel) < 0 || int(sel) >= len(c.dbs) {
		return nil, outcome.ConfigError("UNKNOWN_SHARD", fmt.Sprintf("%s is outside a cluster of %d", sel, len(c.dbs)))
	}
	return c.dbs[sel], nil
}

func (c *Cluster) Size() int { return len(c.dbs) }

func (c *Cluster) Close() error {
	var errs []error
	for _, db := range c.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Begin opens a batch session. Transactions are started lazily, one per
// shard the batch touches. Always Close the session.
func (c *Cluster) Begin(ctx context.Context) *Session {
	return &Session{
		ctx:     ctx,
		cluster: c,
		txs:     make(map[sharding.Selector]bun.Tx),
		logger:  c.logger,
	}
}
