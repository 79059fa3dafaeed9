package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perimetra/fieldsync/internal/connectivity"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/record"
	"github.com/perimetra/fieldsync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultBatchSize      = 10
	defaultConcurrency    = 4
	defaultStaleInFlight  = 5 * time.Minute
	defaultPurgeRetention = 24 * time.Hour
	defaultPurgeInterval  = time.Hour

	requestBacklog     = 16
	maxFailureTextSize = 500
)

// Pass failure reasons surfaced through Status and Result.
const (
	ReasonOffline          = "offline"
	ReasonCancelled        = "cancelled"
	ReasonShutdown         = "shutdown"
	ReasonQueueUnavailable = "queue unavailable"
)

// blockedReason marks queue items failed because their parent's create died.
const blockedReason = "blocked: parent create failed"

var (
	ErrInvalidEngineConfig = errors.New("engine: invalid config")
	// ErrOffline rejects a manual sync while the remote is unreachable.
	ErrOffline = errors.New("engine: remote unreachable")
	// ErrClosed rejects calls after Close.
	ErrClosed = errors.New("engine: closed")

	errMissingQueue   = errors.New("queue must be provided")
	errMissingStore   = errors.New("record store must be provided")
	errMissingRemote  = errors.New("remote client must be provided")
	errMissingMonitor = errors.New("connectivity monitor must be provided")
)

// Config bundles dependencies and tuning for the sync engine.
type Config struct {
	Queue   *queue.Queue
	Store   *record.Store
	Remote  remote.Client
	Monitor *connectivity.Monitor
	Logger  *zap.Logger

	// Interval schedules periodic passes. BatchSize bounds one claim;
	// Concurrency bounds the per-pass worker pool.
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// StaleInFlight is the crash-recovery window for items left inFlight.
	StaleInFlight time.Duration
	// PurgeRetention and PurgeInterval control the done-item sweep.
	PurgeRetention time.Duration
	PurgeInterval  time.Duration
}

// Engine drains the mutation queue against the remote API. Exactly one pass
// runs at a time; triggers arriving during a pass coalesce into a single
// follow-up pass.
type Engine struct {
	queue   *queue.Queue
	store   *record.Store
	remote  remote.Client
	monitor *connectivity.Monitor
	logger  *zap.Logger
	hub     *StatusHub

	interval       time.Duration
	batchSize      int
	concurrency    int
	staleInFlight  time.Duration
	purgeRetention time.Duration
	purgeInterval  time.Duration

	requests  chan syncRequest
	rootCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type syncAnswer struct {
	result Result
	err    error
}

// syncRequest demands a pass. Background triggers leave ctx and answer nil;
// manual callers carry both.
type syncRequest struct {
	ctx    context.Context
	answer chan syncAnswer
}

// New constructs an Engine with validated configuration. Call Start to begin
// background work.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, errMissingQueue)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, errMissingRemote)
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, errMissingMonitor)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	staleInFlight := cfg.StaleInFlight
	if staleInFlight <= 0 {
		staleInFlight = defaultStaleInFlight
	}
	purgeRetention := cfg.PurgeRetention
	if purgeRetention <= 0 {
		purgeRetention = defaultPurgeRetention
	}
	purgeInterval := cfg.PurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = defaultPurgeInterval
	}

	rootCtx, cancelAll := context.WithCancel(context.Background())
	return &Engine{
		queue:          cfg.Queue,
		store:          cfg.Store,
		remote:         cfg.Remote,
		monitor:        cfg.Monitor,
		logger:         logger,
		hub:            NewStatusHub(),
		interval:       interval,
		batchSize:      batchSize,
		concurrency:    concurrency,
		staleInFlight:  staleInFlight,
		purgeRetention: purgeRetention,
		purgeInterval:  purgeInterval,
		requests:       make(chan syncRequest, requestBacklog),
		rootCtx:        rootCtx,
		cancelAll:      cancelAll,
	}, nil
}

// Start releases stale in-flight items left by a crash and launches the
// trigger loop. Safe to call once; later calls are no-ops.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		released, err := e.queue.ReleaseInFlight(e.rootCtx, e.staleInFlight)
		if err != nil {
			e.logger.Warn("stale in-flight release failed", zap.Error(err))
		} else if released > 0 {
			e.logger.Info("released stale in-flight items", zap.Int64("count", released))
		}
		e.wg.Add(1)
		go e.run()
	})
}

// Close stops the trigger loop and waits for the current pass, including its
// already-sent remote calls, to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancelAll()
		e.wg.Wait()
	})
}

// Status returns the latest published status.
func (e *Engine) Status() Status {
	return e.hub.Current()
}

// SubscribeStatus registers for status updates.
func (e *Engine) SubscribeStatus(ctx context.Context) (<-chan Status, func()) {
	return e.hub.Subscribe(ctx)
}

// SyncNow demands a pass and awaits its result. While offline it returns
// ErrOffline without touching the queue. Cancelling ctx stops the wait and,
// once every caller of the running pass has cancelled, aborts dispatches
// that have not gone out yet; calls already sent complete normally.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	request := syncRequest{ctx: ctx, answer: make(chan syncAnswer, 1)}
	select {
	case e.requests <- request:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.rootCtx.Done():
		return Result{}, ErrClosed
	}

	select {
	case answer := <-request.answer:
		return answer.result, answer.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.rootCtx.Done():
		return Result{}, ErrClosed
	}
}

// Nudge demands a pass without waiting for it. A full backlog means a pass
// is already due; dropping the extra demand loses nothing.
func (e *Engine) Nudge() {
	select {
	case e.requests <- syncRequest{}:
	default:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	purge := time.NewTicker(e.purgeInterval)
	defer purge.Stop()
	edges, cancelEdges := e.monitor.Subscribe(e.rootCtx)
	defer cancelEdges()

	for {
		select {
		case <-e.rootCtx.Done():
			e.refuseBacklog()
			return
		case request := <-e.requests:
			e.executePass(e.collectRequests(request))
		case <-ticker.C:
			e.executePass(nil)
		case online := <-edges:
			if online {
				e.executePass(nil)
			}
		case <-purge.C:
			purged, err := e.queue.PurgeDone(e.rootCtx, e.purgeRetention)
			if err != nil {
				e.logger.Warn("done item purge failed", zap.Error(err))
			} else if purged > 0 {
				e.logger.Debug("purged done items", zap.Int64("count", purged))
			}
		}
	}
}

// collectRequests drains the backlog so concurrent triggers share one pass.
func (e *Engine) collectRequests(first syncRequest) []syncRequest {
	requests := []syncRequest{first}
	for {
		select {
		case request := <-e.requests:
			requests = append(requests, request)
		default:
			return requests
		}
	}
}

func (e *Engine) refuseBacklog() {
	for {
		select {
		case request := <-e.requests:
			e.deliver([]syncRequest{request}, Result{}, ErrClosed)
		default:
			return
		}
	}
}

func (e *Engine) executePass(requests []syncRequest) {
	if !e.monitor.Online() {
		// A background trigger while offline is a no-op; manual callers
		// get a definitive answer.
		if len(requests) > 0 {
			e.deliver(requests, Result{}, ErrOffline)
		}
		return
	}
	result := e.pass(requests)
	e.deliver(requests, result, nil)
}

func (e *Engine) deliver(requests []syncRequest, result Result, err error) {
	for _, request := range requests {
		if request.answer == nil {
			continue
		}
		request.answer <- syncAnswer{result: result, err: err}
	}
}

// passControl records the first abort reason; later ones lose the race and
// are ignored.
type passControl struct {
	mu     sync.Mutex
	reason string
}

func (c *passControl) abort(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
}

func (c *passControl) reasonOr(fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return fallback
	}
	return c.reason
}

func (e *Engine) pass(requests []syncRequest) Result {
	passCtx, cancelPass := context.WithCancel(e.rootCtx)
	defer cancelPass()
	control := &passControl{}

	// Losing the link aborts the pass.
	edges, cancelEdges := e.monitor.Subscribe(passCtx)
	defer cancelEdges()
	go func() {
		for {
			select {
			case online := <-edges:
				if !online {
					control.abort(ReasonOffline)
					cancelPass()
					return
				}
			case <-passCtx.Done():
				return
			}
		}
	}()

	// A pass demanded only by manual callers aborts once all of them have
	// cancelled. Any background demand keeps it running.
	if manualOnly(requests) {
		go func() {
			for _, request := range requests {
				select {
				case <-request.ctx.Done():
				case <-passCtx.Done():
					return
				}
			}
			control.abort(ReasonCancelled)
			cancelPass()
		}()
	}

	total := 0
	if pending, err := e.queue.PendingCount(passCtx); err == nil {
		total = int(pending)
	}
	processed, failedCount := 0, 0
	e.hub.Publish(Status{State: StateSyncing, Online: true, Total: total})
	e.logger.Info("sync pass started", zap.Int("pending", total))

	for {
		if passCtx.Err() != nil {
			return e.finishPass(StateFailed, control.reasonOr(ReasonShutdown), total, processed, failedCount)
		}
		if !e.monitor.Online() {
			return e.finishPass(StateFailed, ReasonOffline, total, processed, failedCount)
		}

		batch, err := e.queue.NextBatch(passCtx, e.batchSize)
		if err != nil {
			if passCtx.Err() != nil {
				return e.finishPass(StateFailed, control.reasonOr(ReasonShutdown), total, processed, failedCount)
			}
			e.logger.Error("batch claim failed", zap.Error(err))
			return e.finishPass(StateFailed, ReasonQueueUnavailable, total, processed, failedCount)
		}
		if len(batch) == 0 {
			return e.finishPass(StateCompleted, "", total, processed, failedCount)
		}
		if processed+len(batch) > total {
			total = processed + len(batch)
		}

		dispatched, terminal, released := e.dispatchBatch(passCtx, batch)
		processed += dispatched
		failedCount += terminal
		e.hub.Publish(Status{
			State:     StateSyncing,
			Online:    e.monitor.Online(),
			Total:     total,
			Processed: processed,
			Failed:    failedCount,
		})
		if released > 0 {
			return e.finishPass(StateFailed, control.reasonOr(ReasonShutdown), total, processed, failedCount)
		}
	}
}

func (e *Engine) finishPass(state State, reason string, total, processed, failedCount int) Result {
	e.hub.Publish(Status{
		State:     state,
		Online:    e.monitor.Online(),
		Total:     total,
		Processed: processed,
		Failed:    failedCount,
		Reason:    reason,
	})
	if state == StateCompleted {
		e.logger.Info("sync pass completed", zap.Int("processed", processed), zap.Int("failed", failedCount))
	} else {
		e.logger.Warn("sync pass aborted", zap.String("reason", reason), zap.Int("processed", processed))
	}
	return Result{State: state, Processed: processed, Failed: failedCount, Reason: reason}
}

// dispatchBatch feeds the batch through a bounded worker pool. When the pass
// context dies mid-batch, items not yet handed to a worker are released back
// to pending; items already with a worker resolve normally.
func (e *Engine) dispatchBatch(passCtx context.Context, batch []queue.Item) (dispatched, terminal, released int) {
	jobs := make(chan queue.Item)
	var wg sync.WaitGroup
	var mu sync.Mutex

	workers := min(e.concurrency, len(batch))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				failedTerminally := e.dispatchItem(item)
				mu.Lock()
				dispatched++
				if failedTerminally {
					terminal++
				}
				mu.Unlock()
			}
		}()
	}

	var undispatched []int64
feed:
	for index := 0; index < len(batch); index++ {
		select {
		case jobs <- batch[index]:
		case <-passCtx.Done():
			for _, item := range batch[index:] {
				undispatched = append(undispatched, item.ID)
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if len(undispatched) > 0 {
		released = len(undispatched)
		if err := e.queue.ReleaseItems(context.Background(), undispatched); err != nil {
			e.logger.Error("undispatched item release failed", zap.Error(err))
		}
	}
	return dispatched, terminal, released
}

// retryableError wraps bookkeeping failures that happened after the remote
// call succeeded. Replaying the item is safe and the only way to finish the
// write, so these never turn terminal.
type retryableError struct {
	cause error
}

func (e *retryableError) Error() string {
	return e.cause.Error()
}

func (e *retryableError) Unwrap() error {
	return e.cause
}

// dispatchItem resolves one claimed item and reports whether it failed
// terminally. It runs detached from the pass context: once a call may have
// gone out, its outcome must be recorded even if the pass aborted meanwhile.
func (e *Engine) dispatchItem(item queue.Item) bool {
	ctx := context.Background()

	kind, err := record.ParseKind(item.EntityType)
	if err != nil {
		e.logger.Error("queue item with unknown entity type",
			zap.Int64("item_id", item.ID), zap.String("entity_type", item.EntityType))
		terminal, markErr := e.queue.MarkFailed(ctx, item.ID, "unknown entity type", true)
		if markErr != nil {
			e.logger.Error("failure mark failed", zap.Int64("item_id", item.ID), zap.Error(markErr))
			return false
		}
		return terminal
	}

	e.setRecordStatus(ctx, kind, item.EntityID, record.SyncStatusSyncing)

	var callErr error
	switch queue.Operation(item.Operation) {
	case queue.OperationCreate:
		callErr = e.dispatchCreate(ctx, kind, item)
	case queue.OperationUpdate:
		callErr = e.dispatchUpdate(ctx, kind, item)
	case queue.OperationDelete:
		callErr = e.dispatchDelete(ctx, kind, item)
	default:
		callErr = fmt.Errorf("unknown operation %q", item.Operation)
	}
	if callErr == nil {
		e.monitor.SetOnline(true)
		return false
	}
	return e.recordFailure(ctx, kind, item, callErr)
}

func (e *Engine) dispatchCreate(ctx context.Context, kind record.Kind, item queue.Item) error {
	rec, err := e.store.Get(ctx, kind, item.EntityID)
	if err != nil {
		return fmt.Errorf("local record unavailable: %w", err)
	}

	parentRemoteID := ""
	if parentKind, ok := kind.ParentKind(); ok {
		parent, err := e.store.Get(ctx, parentKind, rec.ParentID)
		if err != nil {
			return fmt.Errorf("parent record unavailable: %w", err)
		}
		if parent.RemoteID == "" {
			return fmt.Errorf("parent %s has no remote id", parent.ID)
		}
		parentRemoteID = parent.RemoteID
	}

	result, err := e.remote.Create(ctx, kind, remote.CreateRequest{
		LocalID:        item.EntityID,
		ParentRemoteID: parentRemoteID,
		PayloadJSON:    item.PayloadJSON,
	})
	if err != nil {
		return err
	}

	// A later queued edit keeps the record pending; only the remote id
	// lands. Writing the store before marking done makes a crash replay
	// the create, which the idempotency token absorbs.
	hasMore := e.entityHasMoreWork(ctx, kind, item.EntityID)
	if err := e.store.SetRemote(ctx, kind, item.EntityID, result.RemoteID, result.PayloadJSON, !hasMore); err != nil {
		return &retryableError{cause: fmt.Errorf("remote id write failed: %w", err)}
	}
	if hasMore {
		e.setRecordStatus(ctx, kind, item.EntityID, record.SyncStatusPending)
	}
	e.markDone(ctx, item.ID)
	return nil
}

func (e *Engine) dispatchUpdate(ctx context.Context, kind record.Kind, item queue.Item) error {
	rec, err := e.store.Get(ctx, kind, item.EntityID)
	if err != nil {
		return fmt.Errorf("local record unavailable: %w", err)
	}
	if rec.RemoteID == "" {
		return fmt.Errorf("record %s has no remote id", rec.ID)
	}

	result, err := e.remote.Update(ctx, kind, remote.UpdateRequest{
		RemoteID:    rec.RemoteID,
		PayloadJSON: item.PayloadJSON,
	})
	if err != nil {
		return err
	}

	// A later queued edit owns the payload now; skip the canonical echo
	// and leave the record pending for it.
	if e.entityHasMoreWork(ctx, kind, item.EntityID) {
		e.setRecordStatus(ctx, kind, item.EntityID, record.SyncStatusPending)
	} else if err := e.store.SetRemote(ctx, kind, item.EntityID, rec.RemoteID, result.PayloadJSON, true); err != nil {
		return &retryableError{cause: fmt.Errorf("synced status write failed: %w", err)}
	}
	e.markDone(ctx, item.ID)
	return nil
}

func (e *Engine) dispatchDelete(ctx context.Context, kind record.Kind, item queue.Item) error {
	rec, err := e.store.Get(ctx, kind, item.EntityID)
	if errors.Is(err, record.ErrNotFound) {
		// Already purged locally; nothing remote to target either.
		e.markDone(ctx, item.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("local record unavailable: %w", err)
	}

	if rec.RemoteID != "" {
		err := e.remote.Delete(ctx, kind, remote.DeleteRequest{RemoteID: rec.RemoteID})
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
		// A 404 is the outcome a delete wants.
	}

	if err := e.store.DeleteSubtree(ctx, kind, item.EntityID); err != nil {
		return &retryableError{cause: fmt.Errorf("local purge failed: %w", err)}
	}
	e.markDone(ctx, item.ID)
	return nil
}

// entityHasMoreWork errs on the pending side: when the queue cannot answer,
// the record keeps its pending marker and a later pass settles it.
func (e *Engine) entityHasMoreWork(ctx context.Context, kind record.Kind, entityID string) bool {
	hasMore, err := e.queue.HasPendingWork(ctx, kind, entityID)
	if err != nil {
		e.logger.Warn("pending work check failed", zap.String("entity_id", entityID), zap.Error(err))
		return true
	}
	return hasMore
}

func (e *Engine) markDone(ctx context.Context, itemID int64) {
	// A failed done-mark leaves the item inFlight; the stale release
	// replays it and idempotency absorbs the repeat.
	if err := e.queue.MarkDone(ctx, itemID); err != nil {
		e.logger.Error("done mark failed", zap.Int64("item_id", itemID), zap.Error(err))
	}
}

// recordFailure classifies the error, marks the item, and on terminal
// failures propagates the blockage: the record turns failed, and for creates
// every queued descendant is failed with it.
func (e *Engine) recordFailure(ctx context.Context, kind record.Kind, item queue.Item, callErr error) bool {
	if remote.IsConnectivity(callErr) {
		e.monitor.SetOnline(false)
	} else if _, classified := remote.AsError(callErr); classified {
		// The remote answered; the link itself is fine.
		e.monitor.SetOnline(true)
	}

	var bookkeeping *retryableError
	terminal := !remote.IsRetryable(callErr) && !errors.As(callErr, &bookkeeping)

	becameTerminal, markErr := e.queue.MarkFailed(ctx, item.ID, failureText(callErr), terminal)
	if markErr != nil {
		e.logger.Error("failure mark failed", zap.Int64("item_id", item.ID), zap.Error(markErr))
		return false
	}
	if !becameTerminal {
		e.setRecordStatus(ctx, kind, item.EntityID, record.SyncStatusPending)
		e.logger.Debug("item failed, retry scheduled",
			zap.Int64("item_id", item.ID), zap.String("entity_id", item.EntityID), zap.Error(callErr))
		return false
	}

	e.logger.Warn("item failed terminally",
		zap.Int64("item_id", item.ID),
		zap.String("entity_id", item.EntityID),
		zap.String("op", item.Operation),
		zap.Error(callErr))
	e.setRecordStatus(ctx, kind, item.EntityID, record.SyncStatusFailed)

	if queue.Operation(item.Operation) == queue.OperationCreate {
		affected, err := e.queue.FailDescendants(ctx, item.EntityID, blockedReason)
		if err != nil {
			e.logger.Error("descendant blocking failed", zap.String("entity_id", item.EntityID), zap.Error(err))
			return true
		}
		for _, descendant := range affected {
			descendantKind, parseErr := record.ParseKind(descendant.EntityType)
			if parseErr != nil {
				continue
			}
			e.setRecordStatus(ctx, descendantKind, descendant.EntityID, record.SyncStatusFailed)
		}
	}
	return true
}

// setRecordStatus mirrors queue progress onto the record. The record may be
// gone when a delete raced ahead; that is not an error worth surfacing.
func (e *Engine) setRecordStatus(ctx context.Context, kind record.Kind, entityID string, status record.SyncStatus) {
	if err := e.store.SetSyncStatus(ctx, kind, entityID, status); err != nil &&
		!errors.Is(err, record.ErrNotFound) {
		e.logger.Warn("record status write failed",
			zap.String("entity_id", entityID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func manualOnly(requests []syncRequest) bool {
	if len(requests) == 0 {
		return false
	}
	for _, request := range requests {
		if request.ctx == nil {
			return false
		}
	}
	return true
}

func failureText(err error) string {
	text := err.Error()
	if len(text) > maxFailureTextSize {
		return text[:maxFailureTextSize]
	}
	return text
}
