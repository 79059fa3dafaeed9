// Package coordinator is the façade the UI layer talks to. It translates
// domain mutations into store writes plus queue insertions with the right
// priorities, and forwards sync triggers and status queries to the engine.
// Callers never touch the queue directly, so its coalescing and ordering
// rules cannot be bypassed.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/perimetra/fieldsync/internal/engine"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/record"
	"go.uber.org/zap"
)

var (
	ErrInvalidCoordinatorConfig = errors.New("coordinator: invalid config")

	errMissingStore  = errors.New("record store must be provided")
	errMissingQueue  = errors.New("queue must be provided")
	errMissingEngine = errors.New("engine must be provided")
)

// Config bundles the collaborators a Coordinator needs.
type Config struct {
	Store  *record.Store
	Queue  *queue.Queue
	Engine *engine.Engine
	Logger *zap.Logger
}

// Coordinator routes domain mutations into the store and queue and nudges
// the engine after each one so edits ship promptly while online.
type Coordinator struct {
	store  *record.Store
	queue  *queue.Queue
	engine *engine.Engine
	logger *zap.Logger
}

// New validates the configuration and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingQueue)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingEngine)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:  cfg.Store,
		queue:  cfg.Queue,
		engine: cfg.Engine,
		logger: logger,
	}, nil
}

// CreateRecord persists a new record and queues its create. Photo and
// comment captures are the user's primary artifacts, so their creates go
// out ahead of routine metadata.
func (c *Coordinator) CreateRecord(ctx context.Context, kind record.Kind, parentID, payloadJSON string) (record.Record, error) {
	created, err := c.store.Create(ctx, kind, parentID, payloadJSON)
	if err != nil {
		return record.Record{}, err
	}

	if _, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:  kind,
		EntityID:    created.ID,
		ParentID:    created.ParentID,
		Operation:   queue.OperationCreate,
		Priority:    createPriority(kind),
		PayloadJSON: created.PayloadJSON,
	}); err != nil {
		// A record without a queued create would never sync; take it
		// back out rather than leave it stranded.
		c.logger.Error("create enqueue failed", zap.String("id", created.ID), zap.Error(err))
		if cleanupErr := c.store.Delete(ctx, kind, created.ID); cleanupErr != nil {
			c.logger.Error("stranded record cleanup failed", zap.String("id", created.ID), zap.Error(cleanupErr))
		}
		return record.Record{}, err
	}

	c.engine.Nudge()
	return created, nil
}

// UpdateRecord stores the edited payload and queues the update. Edits to an
// entity whose create is still queued fold into that create.
func (c *Coordinator) UpdateRecord(ctx context.Context, kind record.Kind, id, payloadJSON string) (record.Record, error) {
	updated, err := c.store.UpdatePayload(ctx, kind, id, payloadJSON)
	if err != nil {
		return record.Record{}, err
	}

	if _, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:  kind,
		EntityID:    id,
		ParentID:    updated.ParentID,
		Operation:   queue.OperationUpdate,
		Priority:    queue.PriorityNormal,
		PayloadJSON: updated.PayloadJSON,
	}); err != nil {
		c.logger.Error("update enqueue failed", zap.String("id", id), zap.Error(err))
		return record.Record{}, err
	}

	c.engine.Nudge()
	return updated, nil
}

// DeleteRecord queues the entity's deletion. When the entity never reached
// the remote the queued chain collapses and the local subtree is purged on
// the spot; otherwise the records stay visible until the remote confirms.
func (c *Coordinator) DeleteRecord(ctx context.Context, kind record.Kind, id string) error {
	stored, err := c.store.Get(ctx, kind, id)
	if err != nil {
		return err
	}

	result, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType: kind,
		EntityID:   id,
		ParentID:   stored.ParentID,
		Operation:  queue.OperationDelete,
		Priority:   queue.PriorityHigh,
	})
	if err != nil {
		c.logger.Error("delete enqueue failed", zap.String("id", id), zap.Error(err))
		return err
	}
	if result.Dropped {
		return c.store.DeleteSubtree(ctx, kind, id)
	}

	c.engine.Nudge()
	return nil
}

// GetRecord reads one record.
func (c *Coordinator) GetRecord(ctx context.Context, kind record.Kind, id string) (record.Record, error) {
	return c.store.Get(ctx, kind, id)
}

// SyncNow triggers a pass and awaits its result.
func (c *Coordinator) SyncNow(ctx context.Context) (engine.Result, error) {
	return c.engine.SyncNow(ctx)
}

// Nudge schedules a background pass without waiting for it.
func (c *Coordinator) Nudge() {
	c.engine.Nudge()
}

// Status returns the engine's latest published status.
func (c *Coordinator) Status() engine.Status {
	return c.engine.Status()
}

// SubscribeStatus registers for engine status updates.
func (c *Coordinator) SubscribeStatus(ctx context.Context) (<-chan engine.Status, func()) {
	return c.engine.SubscribeStatus(ctx)
}

// FailedItems lists terminally failed queue items for manual resolution.
func (c *Coordinator) FailedItems(ctx context.Context) ([]queue.Item, error) {
	return c.queue.FailedItems(ctx)
}

// QueueStats reports item counts per lifecycle status.
func (c *Coordinator) QueueStats(ctx context.Context) (queue.Stats, error) {
	return c.queue.Stats(ctx)
}

// RetryItem resets a failed item's retry state, flips its record back to
// pending, and nudges the engine.
func (c *Coordinator) RetryItem(ctx context.Context, itemID int64) error {
	item, err := c.queue.RetryItem(ctx, itemID)
	if err != nil {
		return err
	}

	kind, err := record.ParseKind(item.EntityType)
	if err == nil {
		if statusErr := c.store.SetSyncStatus(ctx, kind, item.EntityID, record.SyncStatusPending); statusErr != nil &&
			!errors.Is(statusErr, record.ErrNotFound) {
			c.logger.Warn("retry status write failed", zap.String("id", item.EntityID), zap.Error(statusErr))
		}
	}

	c.engine.Nudge()
	return nil
}

// DiscardItem abandons a failed item. A discarded create purges the local
// subtree, since the entity never existed remotely and nothing below it can
// sync; a discarded update or delete returns the record to the synced
// baseline, keeping whatever payload is stored locally.
func (c *Coordinator) DiscardItem(ctx context.Context, itemID int64) error {
	item, err := c.queue.DiscardItem(ctx, itemID)
	if err != nil {
		return err
	}

	kind, err := record.ParseKind(item.EntityType)
	if err != nil {
		c.logger.Error("discarded item with unknown entity type",
			zap.Int64("item_id", itemID), zap.String("entity_type", item.EntityType))
		return nil
	}

	if item.Operation == string(queue.OperationCreate) {
		return c.store.DeleteSubtree(ctx, kind, item.EntityID)
	}

	if err := c.store.SetSyncStatus(ctx, kind, item.EntityID, record.SyncStatusSynced); err != nil &&
		!errors.Is(err, record.ErrNotFound) {
		return err
	}
	return nil
}

// Close stops the engine's background loops and waits for the current pass.
func (c *Coordinator) Close() {
	c.engine.Close()
}

func createPriority(kind record.Kind) queue.Priority {
	switch kind {
	case record.KindPhoto, record.KindComment:
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}
