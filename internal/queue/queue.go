package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perimetra/fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 60 * time.Second
	defaultMaxRetryCount = 3
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// QueueError carries a stable machine-readable code alongside the cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

const (
	opQueueNew        = "queue.new"
	opEnqueue         = "queue.enqueue"
	opNextBatch       = "queue.next_batch"
	opMarkDone        = "queue.mark_done"
	opMarkFailed      = "queue.mark_failed"
	opReleaseInFlight = "queue.release_in_flight"
	opReleaseItems    = "queue.release_items"
	opFailDescendants = "queue.fail_descendants"
	opRetryItem       = "queue.retry_item"
	opDiscardItem     = "queue.discard_item"
	opPendingCount    = "queue.pending_count"
	opFailedItems     = "queue.failed_items"
	opHasPendingWork  = "queue.has_pending_work"
	opStats           = "queue.stats"
	opPurgeDone       = "queue.purge_done"
)

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

// QueueConfig carries the collaborators and retry policy for a Queue.
type QueueConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MaxRetryCount int
}

// Queue is the durable, ordered log of pending mutations. It owns the
// coalescing and causal-ordering rules and performs no network I/O; every
// transition is a single transaction so retry state is never half-written.
type Queue struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	backoffBase   time.Duration
	backoffMax    time.Duration
	maxRetryCount int
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	maxRetryCount := cfg.MaxRetryCount
	if maxRetryCount <= 0 {
		maxRetryCount = defaultMaxRetryCount
	}

	return &Queue{
		db:            cfg.Database,
		clock:         clock,
		logger:        logger,
		backoffBase:   backoffBase,
		backoffMax:    backoffMax,
		maxRetryCount: maxRetryCount,
	}, nil
}

// EnqueueRequest describes one domain mutation to persist.
type EnqueueRequest struct {
	EntityType  record.Kind
	EntityID    string
	ParentID    string
	Operation   Operation
	Priority    Priority
	PayloadJSON string
}

// EnqueueResult reports how the request landed in the queue.
type EnqueueResult struct {
	// ItemID is the surviving item for the entity; zero when Dropped.
	ItemID int64
	// Coalesced is true when the request merged into an existing item.
	Coalesced bool
	// Dropped is true when a delete collapsed an unsent chain: nothing
	// remains to sync and the entity never existed remotely.
	Dropped bool
}

// Enqueue inserts a new item, applying the coalescing rules inside a single
// transaction:
//
//   - an update merges into the entity's existing pending or failed item
//     (latest payload wins, retry state resets);
//   - a create refreshes an existing queued create (idempotent insert);
//   - a delete supersedes queued work: an unsent create collapses the whole
//     chain, including queued descendants; otherwise pending updates are
//     removed and a single high-priority delete remains.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.EntityID == "" {
		return EnqueueResult{}, newQueueError(opEnqueue, "missing_entity_id", ErrMissingEntityID)
	}
	if _, err := ParseOperation(string(req.Operation)); err != nil {
		return EnqueueResult{}, newQueueError(opEnqueue, "invalid_operation", err)
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return EnqueueResult{}, newQueueError(opEnqueue, "invalid_priority", err)
	}

	var result EnqueueResult
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Item
		if err := tx.Where("entity_type = ? AND entity_id = ? AND status IN ?",
			req.EntityType.String(), req.EntityID, []string{string(StatusPending), string(StatusFailed)}).
			Order("id ASC").
			Find(&existing).Error; err != nil {
			q.logError(opEnqueue, "select_failed", err, zap.String("entity_id", req.EntityID))
			return newQueueError(opEnqueue, "select_failed", err)
		}

		switch req.Operation {
		case OperationCreate:
			return q.enqueueCreate(tx, req, priority, existing, &result)
		case OperationUpdate:
			return q.enqueueUpdate(tx, req, priority, existing, &result)
		case OperationDelete:
			return q.enqueueDelete(tx, req, existing, &result)
		}
		return nil
	})
	if txErr != nil {
		return EnqueueResult{}, txErr
	}
	return result, nil
}

func (q *Queue) enqueueCreate(tx *gorm.DB, req EnqueueRequest, priority Priority, existing []Item, result *EnqueueResult) error {
	for _, item := range existing {
		if item.Operation != string(OperationCreate) {
			continue
		}
		// Re-creating an already queued entity is an idempotent payload
		// refresh; retry state starts over.
		updates := map[string]any{
			"payload_json":      req.PayloadJSON,
			"parent_id":         req.ParentID,
			"status":            string(StatusPending),
			"retry_count":       0,
			"next_attempt_at_s": int64(0),
			"last_error":        "",
		}
		if priority.rank() < item.PriorityRank {
			updates["priority_rank"] = priority.rank()
		}
		if err := tx.Model(&Item{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			q.logError(opEnqueue, "refresh_failed", err, zap.Int64("item_id", item.ID))
			return newQueueError(opEnqueue, "refresh_failed", err)
		}
		result.ItemID = item.ID
		result.Coalesced = true
		return nil
	}

	inserted := Item{
		EntityType:       req.EntityType.String(),
		EntityID:         req.EntityID,
		ParentID:         req.ParentID,
		Operation:        string(OperationCreate),
		PriorityRank:     priority.rank(),
		Status:           string(StatusPending),
		CreatedAtSeconds: q.clock().UTC().Unix(),
		PayloadJSON:      req.PayloadJSON,
	}

	// A child enqueued under a terminally failed parent create can never be
	// dispatched; it lands failed immediately instead of blocking silently.
	if req.ParentID != "" {
		var blockedParents int64
		if err := tx.Model(&Item{}).
			Where("entity_id = ? AND op = ? AND status = ?", req.ParentID, string(OperationCreate), string(StatusFailed)).
			Count(&blockedParents).Error; err != nil {
			q.logError(opEnqueue, "parent_check_failed", err, zap.String("parent_id", req.ParentID))
			return newQueueError(opEnqueue, "parent_check_failed", err)
		}
		if blockedParents > 0 {
			inserted.Status = string(StatusFailed)
			inserted.LastError = "parent create failed"
		}
	}

	if err := tx.Create(&inserted).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err, zap.String("entity_id", req.EntityID))
		return newQueueError(opEnqueue, "insert_failed", err)
	}
	result.ItemID = inserted.ID
	return nil
}

func (q *Queue) enqueueUpdate(tx *gorm.DB, req EnqueueRequest, priority Priority, existing []Item, result *EnqueueResult) error {
	for _, item := range existing {
		if item.Operation == string(OperationDelete) {
			// The entity is already on its way out; a late edit has nothing
			// left to apply to.
			result.ItemID = item.ID
			result.Coalesced = true
			return nil
		}
		// Latest payload wins whether the queued item is the original create
		// or a previous update; a failed item gets a fresh retry budget.
		updates := map[string]any{
			"payload_json":      req.PayloadJSON,
			"status":            string(StatusPending),
			"retry_count":       0,
			"next_attempt_at_s": int64(0),
			"last_error":        "",
		}
		if priority.rank() < item.PriorityRank {
			updates["priority_rank"] = priority.rank()
		}
		if err := tx.Model(&Item{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			q.logError(opEnqueue, "coalesce_failed", err, zap.Int64("item_id", item.ID))
			return newQueueError(opEnqueue, "coalesce_failed", err)
		}
		result.ItemID = item.ID
		result.Coalesced = true
		return nil
	}

	inserted := Item{
		EntityType:       req.EntityType.String(),
		EntityID:         req.EntityID,
		ParentID:         req.ParentID,
		Operation:        string(OperationUpdate),
		PriorityRank:     priority.rank(),
		Status:           string(StatusPending),
		CreatedAtSeconds: q.clock().UTC().Unix(),
		PayloadJSON:      req.PayloadJSON,
	}
	if err := tx.Create(&inserted).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err, zap.String("entity_id", req.EntityID))
		return newQueueError(opEnqueue, "insert_failed", err)
	}
	result.ItemID = inserted.ID
	return nil
}

func (q *Queue) enqueueDelete(tx *gorm.DB, req EnqueueRequest, existing []Item, result *EnqueueResult) error {
	var (
		queuedDelete *Item
		unsentCreate *Item
		chainIDs     []int64
	)
	for i := range existing {
		item := &existing[i]
		switch Operation(item.Operation) {
		case OperationDelete:
			queuedDelete = item
		case OperationCreate:
			// "Unsent" means the create was never attempted, or the remote
			// side terminally rejected it; either way the entity does not
			// exist remotely. A create that was attempted and is awaiting a
			// retry may have landed, so it stays and the delete follows it.
			if item.LastAttemptAtSeconds == 0 || item.Status == string(StatusFailed) {
				unsentCreate = item
			}
			chainIDs = append(chainIDs, item.ID)
		case OperationUpdate:
			chainIDs = append(chainIDs, item.ID)
		}
	}

	if queuedDelete != nil {
		result.ItemID = queuedDelete.ID
		result.Coalesced = true
		return nil
	}

	if unsentCreate != nil {
		// Nothing ever reached the remote side: drop the entity's chain and
		// every queued descendant, and tell the caller the local record can
		// go immediately.
		if err := tx.Where("id IN ?", chainIDs).Delete(&Item{}).Error; err != nil {
			q.logError(opEnqueue, "chain_drop_failed", err, zap.String("entity_id", req.EntityID))
			return newQueueError(opEnqueue, "chain_drop_failed", err)
		}
		if err := q.dropDescendants(tx, req.EntityID); err != nil {
			return err
		}
		result.Dropped = true
		return nil
	}

	// Pending edits are moot once the entity is going away, and so is
	// queued work below it: the remote cascades the delete. An attempted
	// create awaiting retry is intentionally kept: it may have landed, and
	// the delete stays ordered behind it.
	var updateIDs []int64
	for _, item := range existing {
		if item.Operation == string(OperationUpdate) {
			updateIDs = append(updateIDs, item.ID)
		}
	}
	if len(updateIDs) > 0 {
		if err := tx.Where("id IN ?", updateIDs).Delete(&Item{}).Error; err != nil {
			q.logError(opEnqueue, "supersede_failed", err, zap.String("entity_id", req.EntityID))
			return newQueueError(opEnqueue, "supersede_failed", err)
		}
	}
	if err := q.dropDescendants(tx, req.EntityID); err != nil {
		return err
	}

	inserted := Item{
		EntityType:       req.EntityType.String(),
		EntityID:         req.EntityID,
		ParentID:         req.ParentID,
		Operation:        string(OperationDelete),
		PriorityRank:     PriorityHigh.rank(),
		Status:           string(StatusPending),
		CreatedAtSeconds: q.clock().UTC().Unix(),
	}
	if err := tx.Create(&inserted).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err, zap.String("entity_id", req.EntityID))
		return newQueueError(opEnqueue, "insert_failed", err)
	}
	result.ItemID = inserted.ID
	return nil
}

// dropDescendants removes queued work for every entity below the given one.
// Descendants of an unsent create can never have been dispatched themselves,
// so deleting their items is safe.
func (q *Queue) dropDescendants(tx *gorm.DB, entityID string) error {
	level := []string{entityID}
	for len(level) > 0 {
		var rows []Item
		if err := tx.Where("parent_id IN ? AND status IN ?",
			level, []string{string(StatusPending), string(StatusFailed)}).
			Find(&rows).Error; err != nil {
			q.logError(opEnqueue, "descendant_select_failed", err, zap.String("entity_id", entityID))
			return newQueueError(opEnqueue, "descendant_select_failed", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		next := make([]string, 0, len(rows))
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			if !seen[row.EntityID] {
				seen[row.EntityID] = true
				next = append(next, row.EntityID)
			}
		}
		if err := tx.Where("id IN ?", ids).Delete(&Item{}).Error; err != nil {
			q.logError(opEnqueue, "descendant_drop_failed", err, zap.String("entity_id", entityID))
			return newQueueError(opEnqueue, "descendant_drop_failed", err)
		}
		level = next
	}
	return nil
}

// NextBatch returns up to maxSize dispatchable items and marks them inFlight
// with a fresh attempt timestamp in the same transaction. An item is
// dispatchable when its backoff window has elapsed, no sibling item for the
// same entity is inFlight, the entity's own create is done or absent for
// updates and deletes, and the parent's create is done or absent for creates.
// High priority drains before normal; ids break ties FIFO.
func (q *Queue) NextBatch(ctx context.Context, maxSize int) ([]Item, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	var claimed []Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.clock().UTC().Unix()

		var candidates []Item
		err := tx.
			Where("status = ? AND next_attempt_at_s <= ?", string(StatusPending), now).
			Where("NOT EXISTS (SELECT 1 FROM queue_items f WHERE f.entity_type = queue_items.entity_type AND f.entity_id = queue_items.entity_id AND f.status = ?)",
				string(StatusInFlight)).
			Where("(op = ? OR NOT EXISTS (SELECT 1 FROM queue_items c WHERE c.entity_type = queue_items.entity_type AND c.entity_id = queue_items.entity_id AND c.op = ? AND c.status <> ? AND c.id <> queue_items.id))",
				string(OperationCreate), string(OperationCreate), string(StatusDone)).
			Where("(op <> ? OR parent_id = '' OR NOT EXISTS (SELECT 1 FROM queue_items p WHERE p.entity_id = queue_items.parent_id AND p.op = ? AND p.status <> ?))",
				string(OperationCreate), string(OperationCreate), string(StatusDone)).
			Order("priority_rank ASC, id ASC").
			Find(&candidates).Error
		if err != nil {
			q.logError(opNextBatch, "select_failed", err)
			return newQueueError(opNextBatch, "select_failed", err)
		}

		seen := make(map[string]bool, maxSize)
		for _, candidate := range candidates {
			if len(claimed) == maxSize {
				break
			}
			key := candidate.EntityType + "/" + candidate.EntityID
			if seen[key] {
				continue
			}
			seen[key] = true
			claimed = append(claimed, candidate)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
			claimed[i].Status = string(StatusInFlight)
			claimed[i].LastAttemptAtSeconds = now
		}
		if err := tx.Model(&Item{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":            string(StatusInFlight),
			"last_attempt_at_s": now,
		}).Error; err != nil {
			q.logError(opNextBatch, "claim_failed", err)
			return newQueueError(opNextBatch, "claim_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return claimed, nil
}

// MarkDone records a successful dispatch. Replays and marks for already
// purged items are no-ops so acknowledgement handling stays idempotent.
func (q *Queue) MarkDone(ctx context.Context, id int64) error {
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND status <> ?", id, string(StatusDone)).
		Update("status", string(StatusDone))
	if result.Error != nil {
		q.logError(opMarkDone, "update_failed", result.Error, zap.Int64("item_id", id))
		return newQueueError(opMarkDone, "update_failed", result.Error)
	}
	return nil
}

// MarkFailed records a failed dispatch. Terminal failures and retries past
// the ceiling park the item in failed; otherwise it returns to pending with
// an exponential backoff window (base*2^k after the k-th failure, capped).
// The returned flag reports whether the item is now terminally failed.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause string, terminal bool) (bool, error) {
	var nowTerminal bool
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		err := tx.Where("id = ?", id).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newQueueError(opMarkFailed, "not_found", ErrNotFound)
		}
		if err != nil {
			q.logError(opMarkFailed, "select_failed", err, zap.Int64("item_id", id))
			return newQueueError(opMarkFailed, "select_failed", err)
		}

		retryCount := item.RetryCount + 1
		updates := map[string]any{
			"retry_count": retryCount,
			"last_error":  cause,
		}
		if terminal || retryCount >= q.maxRetryCount {
			nowTerminal = true
			updates["status"] = string(StatusFailed)
		} else {
			delay := q.backoffDelay(item.RetryCount)
			updates["status"] = string(StatusPending)
			updates["next_attempt_at_s"] = q.clock().UTC().Add(delay).Unix()
		}
		if err := tx.Model(&Item{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			q.logError(opMarkFailed, "update_failed", err, zap.Int64("item_id", id))
			return newQueueError(opMarkFailed, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return nowTerminal, nil
}

// backoffDelay computes the wait after the failure with the given number of
// prior failures.
func (q *Queue) backoffDelay(priorFailures int) time.Duration {
	delay := q.backoffBase
	for i := 0; i < priorFailures; i++ {
		delay *= 2
		if delay >= q.backoffMax {
			return q.backoffMax
		}
	}
	if delay > q.backoffMax {
		return q.backoffMax
	}
	return delay
}

// ReleaseInFlight reverts stale inFlight items to pending. A crash between
// claiming an item and resolving its call leaves it inFlight; the engine
// calls this at startup with its staleness window.
func (q *Queue) ReleaseInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.clock().UTC().Add(-olderThan).Unix()
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("status = ? AND last_attempt_at_s <= ?", string(StatusInFlight), cutoff).
		Update("status", string(StatusPending))
	if result.Error != nil {
		q.logError(opReleaseInFlight, "update_failed", result.Error)
		return 0, newQueueError(opReleaseInFlight, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseItems reverts specific claimed items to pending. The engine uses it
// when a pass aborts before dispatching part of its batch.
func (q *Queue) ReleaseItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("id IN ? AND status = ?", ids, string(StatusInFlight)).
		Update("status", string(StatusPending))
	if result.Error != nil {
		q.logError(opReleaseItems, "update_failed", result.Error)
		return newQueueError(opReleaseItems, "update_failed", result.Error)
	}
	return nil
}

// Descendant names one entity whose queued work was failed alongside its
// ancestor.
type Descendant struct {
	EntityType string
	EntityID   string
}

// FailDescendants marks every queued item below the given entity terminally
// failed, along with the entity's own remaining pending items. A child cannot
// be created remotely without its parent's remote identifier, so a terminal
// create failure roots the whole subtree; edits and deletes queued behind the
// dead create are equally unreachable.
func (q *Queue) FailDescendants(ctx context.Context, entityID, reason string) ([]Descendant, error) {
	var affected []Descendant
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Item{}).
			Where("entity_id = ? AND status = ?", entityID, string(StatusPending)).
			Updates(map[string]any{
				"status":     string(StatusFailed),
				"last_error": reason,
			}).Error; err != nil {
			q.logError(opFailDescendants, "update_failed", err, zap.String("entity_id", entityID))
			return newQueueError(opFailDescendants, "update_failed", err)
		}

		level := []string{entityID}
		for len(level) > 0 {
			var rows []Item
			if err := tx.Where("parent_id IN ? AND status IN ?",
				level, []string{string(StatusPending), string(StatusFailed)}).
				Find(&rows).Error; err != nil {
				q.logError(opFailDescendants, "select_failed", err, zap.String("entity_id", entityID))
				return newQueueError(opFailDescendants, "select_failed", err)
			}
			if len(rows) == 0 {
				return nil
			}

			var pendingIDs []int64
			next := make([]string, 0, len(rows))
			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				if row.Status == string(StatusPending) {
					pendingIDs = append(pendingIDs, row.ID)
				}
				if !seen[row.EntityID] {
					seen[row.EntityID] = true
					next = append(next, row.EntityID)
					affected = append(affected, Descendant{EntityType: row.EntityType, EntityID: row.EntityID})
				}
			}
			if len(pendingIDs) > 0 {
				if err := tx.Model(&Item{}).Where("id IN ?", pendingIDs).Updates(map[string]any{
					"status":     string(StatusFailed),
					"last_error": reason,
				}).Error; err != nil {
					q.logError(opFailDescendants, "update_failed", err, zap.String("entity_id", entityID))
					return newQueueError(opFailDescendants, "update_failed", err)
				}
			}
			level = next
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return affected, nil
}

// RetryItem resets a terminally failed item for another round of attempts.
func (q *Queue) RetryItem(ctx context.Context, id int64) (Item, error) {
	var item Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newQueueError(opRetryItem, "not_found", ErrNotFound)
		}
		if err != nil {
			q.logError(opRetryItem, "select_failed", err, zap.Int64("item_id", id))
			return newQueueError(opRetryItem, "select_failed", err)
		}
		if item.Status != string(StatusFailed) {
			return newQueueError(opRetryItem, "not_failed", ErrNotFailed)
		}
		if err := tx.Model(&Item{}).Where("id = ?", id).Updates(map[string]any{
			"status":            string(StatusPending),
			"retry_count":       0,
			"next_attempt_at_s": int64(0),
			"last_error":        "",
		}).Error; err != nil {
			q.logError(opRetryItem, "update_failed", err, zap.Int64("item_id", id))
			return newQueueError(opRetryItem, "update_failed", err)
		}
		item.Status = string(StatusPending)
		item.RetryCount = 0
		item.NextAttemptAtSeconds = 0
		item.LastError = ""
		return nil
	})
	if txErr != nil {
		return Item{}, txErr
	}
	return item, nil
}

// DiscardItem drops a terminally failed item and returns it so the caller
// can reconcile the owning record. Discarding a failed create also removes
// the entity's remaining items and every queued descendant: without the
// create nothing below it can ever reach the remote.
func (q *Queue) DiscardItem(ctx context.Context, id int64) (Item, error) {
	var item Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newQueueError(opDiscardItem, "not_found", ErrNotFound)
		}
		if err != nil {
			q.logError(opDiscardItem, "select_failed", err, zap.Int64("item_id", id))
			return newQueueError(opDiscardItem, "select_failed", err)
		}
		if item.Status != string(StatusFailed) {
			return newQueueError(opDiscardItem, "not_failed", ErrNotFailed)
		}
		if err := tx.Where("id = ?", id).Delete(&Item{}).Error; err != nil {
			q.logError(opDiscardItem, "delete_failed", err, zap.Int64("item_id", id))
			return newQueueError(opDiscardItem, "delete_failed", err)
		}
		if item.Operation == string(OperationCreate) {
			if err := tx.Where("entity_id = ? AND status IN ?",
				item.EntityID, []string{string(StatusPending), string(StatusFailed)}).
				Delete(&Item{}).Error; err != nil {
				q.logError(opDiscardItem, "sibling_drop_failed", err, zap.Int64("item_id", id))
				return newQueueError(opDiscardItem, "sibling_drop_failed", err)
			}
			if err := q.dropDescendants(tx, item.EntityID); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return Item{}, txErr
	}
	return item, nil
}

// PendingCount reports how many items await dispatch.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Item{}).
		Where("status = ?", string(StatusPending)).
		Count(&count).Error; err != nil {
		q.logError(opPendingCount, "count_failed", err)
		return 0, newQueueError(opPendingCount, "count_failed", err)
	}
	return count, nil
}

// FailedItems returns every terminally failed item, oldest first.
func (q *Queue) FailedItems(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := q.db.WithContext(ctx).
		Where("status = ?", string(StatusFailed)).
		Order("id ASC").
		Find(&items).Error; err != nil {
		q.logError(opFailedItems, "query_failed", err)
		return nil, newQueueError(opFailedItems, "query_failed", err)
	}
	return items, nil
}

// HasPendingWork reports whether an unresolved item still targets the
// entity. The engine consults it while resolving one of the entity's items,
// so the count covers pending and failed siblings and deliberately skips the
// inFlight item being resolved. A newer queued edit keeps the record's
// pending marker.
func (q *Queue) HasPendingWork(ctx context.Context, entityType record.Kind, entityID string) (bool, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Item{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType.String(), entityID,
			[]string{string(StatusPending), string(StatusFailed)}).
		Count(&count).Error; err != nil {
		q.logError(opHasPendingWork, "count_failed", err, zap.String("entity_id", entityID))
		return false, newQueueError(opHasPendingWork, "count_failed", err)
	}
	return count > 0, nil
}

// Stats aggregates item counts per status for reporting.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	if err := q.db.WithContext(ctx).Model(&Item{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		q.logError(opStats, "query_failed", err)
		return Stats{}, newQueueError(opStats, "query_failed", err)
	}

	var stats Stats
	for _, row := range rows {
		switch Status(row.Status) {
		case StatusPending:
			stats.Pending = row.Count
		case StatusInFlight:
			stats.InFlight = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		case StatusDone:
			stats.Done = row.Count
		}
	}
	return stats, nil
}

// PurgeDone removes completed items older than the retention window.
func (q *Queue) PurgeDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.clock().UTC().Add(-olderThan).Unix()
	result := q.db.WithContext(ctx).
		Where("status = ? AND last_attempt_at_s <= ?", string(StatusDone), cutoff).
		Delete(&Item{})
	if result.Error != nil {
		q.logError(opPurgeDone, "delete_failed", result.Error)
		return 0, newQueueError(opPurgeDone, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (q *Queue) loggerOrDefault() *zap.Logger {
	if q == nil || q.logger == nil {
		return noOpLogger
	}
	return q.logger
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.loggerOrDefault().Error("mutation queue error", attrs...)
}
