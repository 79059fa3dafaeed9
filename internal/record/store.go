package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries a stable machine-readable code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "record.store.new"
	opCreate        = "record.create"
	opGet           = "record.get"
	opUpdatePayload = "record.update_payload"
	opSetSyncStatus = "record.set_sync_status"
	opSetRemote     = "record.set_remote"
	opDelete        = "record.delete"
	opDeleteSubtree = "record.delete_subtree"
	opListByStatus  = "record.list_by_status"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig carries the collaborators a Store needs.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable on-device home of captured records and their sync
// metadata. All writes are single transactions so status, payload, and
// remote id never end up partially updated after a crash.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create persists a new record with a freshly assigned local identifier and
// sync status pending. Nested kinds must name an existing parent of the
// expected kind.
func (s *Store) Create(ctx context.Context, kind Kind, parentID, payloadJSON string) (Record, error) {
	if !json.Valid([]byte(payloadJSON)) {
		return Record{}, newStoreError(opCreate, "invalid_payload", ErrInvalidPayload)
	}

	parentKind, needsParent := kind.ParentKind()
	if needsParent && parentID == "" {
		return Record{}, newStoreError(opCreate, "missing_parent", ErrParentRequired)
	}
	if !needsParent {
		parentID = ""
	}

	localID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("kind", kind.String()))
		return Record{}, newStoreError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	created := Record{
		ID:               localID,
		Kind:             kind.String(),
		ParentID:         parentID,
		SyncStatus:       string(SyncStatusPending),
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if needsParent {
			var parent Record
			err := tx.Where("id = ? AND kind = ?", parentID, parentKind.String()).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opCreate, "parent_not_found", ErrNotFound)
			}
			if err != nil {
				s.logError(opCreate, "parent_select_failed", err, zap.String("parent_id", parentID))
				return newStoreError(opCreate, "parent_select_failed", err)
			}
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreate, "insert_failed", err, zap.String("kind", kind.String()))
			return newStoreError(opCreate, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}

	return created, nil
}

// Get returns the record for the given kind and local identifier.
func (s *Store) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	var found Record
	err := s.db.WithContext(ctx).
		Where("id = ? AND kind = ?", id, kind.String()).
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newStoreError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("id", id))
		return Record{}, newStoreError(opGet, "query_failed", err)
	}
	return found, nil
}

// UpdatePayload replaces the record's field payload and returns it to sync
// status pending in one atomic write.
func (s *Store) UpdatePayload(ctx context.Context, kind Kind, id, payloadJSON string) (Record, error) {
	if !json.Valid([]byte(payloadJSON)) {
		return Record{}, newStoreError(opUpdatePayload, "invalid_payload", ErrInvalidPayload)
	}

	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND kind = ?", id, kind.String()).
		Updates(map[string]any{
			"payload_json": payloadJSON,
			"sync_status":  string(SyncStatusPending),
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opUpdatePayload, "update_failed", result.Error, zap.String("id", id))
		return Record{}, newStoreError(opUpdatePayload, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, newStoreError(opUpdatePayload, "not_found", ErrNotFound)
	}

	return s.Get(ctx, kind, id)
}

// SetSyncStatus records sync progression for the entity.
func (s *Store) SetSyncStatus(ctx context.Context, kind Kind, id string, status SyncStatus) error {
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND kind = ?", id, kind.String()).
		Update("sync_status", string(status))
	if result.Error != nil {
		s.logError(opSetSyncStatus, "update_failed", result.Error, zap.String("id", id))
		return newStoreError(opSetSyncStatus, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opSetSyncStatus, "not_found", ErrNotFound)
	}
	return nil
}

// SetRemote stores the server-assigned identifier and optionally the
// canonical payload echoed by the remote side, all in one write. When
// markSynced is false only the remote identifier lands; callers pass false
// when a newer local edit is already queued so the pending marker survives
// the acknowledgement. Replaying the same acknowledgement is harmless.
func (s *Store) SetRemote(ctx context.Context, kind Kind, id, remoteID, canonicalPayload string, markSynced bool) error {
	updates := map[string]any{
		"remote_id": remoteID,
	}
	if markSynced {
		updates["sync_status"] = string(SyncStatusSynced)
		if canonicalPayload != "" && json.Valid([]byte(canonicalPayload)) {
			updates["payload_json"] = canonicalPayload
		}
	}

	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND kind = ?", id, kind.String()).
		Updates(updates)
	if result.Error != nil {
		s.logError(opSetRemote, "update_failed", result.Error, zap.String("id", id))
		return newStoreError(opSetRemote, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opSetRemote, "not_found", ErrNotFound)
	}
	return nil
}

// Delete removes the record. Deleting an already absent record is a no-op so
// acknowledgement replays stay idempotent.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND kind = ?", id, kind.String()).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("id", id))
		return newStoreError(opDelete, "delete_failed", result.Error)
	}
	return nil
}

// DeleteSubtree removes the record and every descendant record in one
// transaction. Descendants are resolved level by level through explicit
// parent identifiers.
func (s *Store) DeleteSubtree(ctx context.Context, kind Kind, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parentKind := kind
		parentIDs := []string{id}
		for {
			childKind, hasChildren := parentKind.ChildKind()
			if !hasChildren || len(parentIDs) == 0 {
				break
			}
			var childIDs []string
			if err := tx.Model(&Record{}).
				Where("kind = ? AND parent_id IN ?", childKind.String(), parentIDs).
				Pluck("id", &childIDs).Error; err != nil {
				s.logError(opDeleteSubtree, "child_select_failed", err, zap.String("id", id))
				return newStoreError(opDeleteSubtree, "child_select_failed", err)
			}
			if len(childIDs) > 0 {
				if err := tx.Where("kind = ? AND id IN ?", childKind.String(), childIDs).
					Delete(&Record{}).Error; err != nil {
					s.logError(opDeleteSubtree, "child_delete_failed", err, zap.String("id", id))
					return newStoreError(opDeleteSubtree, "child_delete_failed", err)
				}
			}
			parentKind = childKind
			parentIDs = childIDs
		}

		if err := tx.Where("id = ? AND kind = ?", id, kind.String()).
			Delete(&Record{}).Error; err != nil {
			s.logError(opDeleteSubtree, "delete_failed", err, zap.String("id", id))
			return newStoreError(opDeleteSubtree, "delete_failed", err)
		}
		return nil
	})
}

// ListByStatus returns every record currently carrying the given sync status,
// oldest first.
func (s *Store) ListByStatus(ctx context.Context, status SyncStatus) ([]Record, error) {
	var found []Record
	if err := s.db.WithContext(ctx).
		Where("sync_status = ?", string(status)).
		Order("created_at_s ASC").
		Find(&found).Error; err != nil {
		s.logError(opListByStatus, "query_failed", err, zap.String("status", string(status)))
		return nil, newStoreError(opListByStatus, "query_failed", err)
	}
	return found, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("record store error", attrs...)
}
