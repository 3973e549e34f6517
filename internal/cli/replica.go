package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/config"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/schema"
	"github.com/roach88/driftsync/internal/store"
)

// replica is an opened local replica: the durable store and the entity
// store restored from it.
type replica struct {
	db       *store.Store
	entities *entity.Store
	logger   *zap.Logger
}

// openReplica opens the database named by cfg, resolves the replica id and
// restores the entity store. m may be nil.
func openReplica(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*replica, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	r, err := restoreReplica(ctx, db, cfg, logger, m)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func restoreReplica(ctx context.Context, db *store.Store, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*replica, error) {
	id, bound, err := db.ReplicaID(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read replica id", err)
	}
	switch {
	case cfg.Replica.ID != "":
		if err := db.InitReplica(ctx, clock.ReplicaID(cfg.Replica.ID)); err != nil {
			return nil, WrapExitError(ExitCommandError, "replica id mismatch", err)
		}
		id = clock.ReplicaID(cfg.Replica.ID)
	case !bound:
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("%s is not initialized; run 'driftsync init' first", cfg.Storage.Path))
	}

	var reg *schema.Registry
	if cfg.Schema.Dir != "" {
		reg, err = schema.LoadDir(cfg.Schema.Dir)
	} else {
		reg, err = schema.Default()
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load entity schema", err)
	}

	entities, err := entity.New(entity.Options{
		Replica:    id,
		Clock:      clock.New(id, nil),
		Schemas:    reg,
		Persister:  db,
		Logger:     logger,
		Metrics:    m,
		MaxPending: cfg.Storage.MaxPending,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create entity store", err)
	}

	state, err := db.Load(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load operation log", err)
	}
	if err := entities.Restore(ctx, state); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to restore replica", err)
	}
	logger.Debug("replica restored",
		zap.String("replica", string(id)),
		zap.Int("ops", len(state.Records)),
		zap.Int("entities", len(entities.Entities())))

	return &replica{db: db, entities: entities, logger: logger}, nil
}

func (r *replica) Close() {
	if err := r.db.Close(); err != nil {
		r.logger.Error("error closing database", zap.Error(err))
	}
}
