package record

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the syncable entity kinds.
type Kind string

const (
	// KindProject is the root of an entity chain.
	KindProject Kind = "project"
	// KindFolder nests under a project.
	KindFolder Kind = "folder"
	// KindPhoto nests under a folder.
	KindPhoto Kind = "photo"
	// KindComment nests under a photo.
	KindComment Kind = "comment"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidKind indicates an unknown entity kind.
	ErrInvalidKind = errors.New("record: invalid entity kind")
	// ErrInvalidID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("record: invalid record id")
	// ErrInvalidPayload indicates that a payload is not a valid JSON document.
	ErrInvalidPayload = errors.New("record: invalid payload")
	// ErrNotFound indicates that no record matches the requested identifier.
	ErrNotFound = errors.New("record: not found")
	// ErrParentRequired indicates a missing parent for a nested kind.
	ErrParentRequired = errors.New("record: parent id required")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindProject:
		return KindProject, nil
	case KindFolder:
		return KindFolder, nil
	case KindPhoto:
		return KindPhoto, nil
	case KindComment:
		return KindComment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// ParentKind returns the kind this kind nests under. Projects have no parent.
func (k Kind) ParentKind() (Kind, bool) {
	switch k {
	case KindFolder:
		return KindProject, true
	case KindPhoto:
		return KindFolder, true
	case KindComment:
		return KindPhoto, true
	default:
		return "", false
	}
}

// ChildKind returns the kind that nests under this kind. Comments are leaves.
func (k Kind) ChildKind() (Kind, bool) {
	switch k {
	case KindProject:
		return KindFolder, true
	case KindFolder:
		return KindPhoto, true
	case KindPhoto:
		return KindComment, true
	default:
		return "", false
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// SyncStatus reflects how far a record has progressed toward the remote side.
type SyncStatus string

const (
	// SyncStatusPending marks a record with local changes not yet dispatched.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing marks a record whose mutation is currently in flight.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced marks a record the remote side has acknowledged.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusFailed marks a record whose sync failed terminally.
	SyncStatusFailed SyncStatus = "failed"
)

// ID represents a validated local record identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// Record models one locally captured entity with its sync metadata. Parent
// relationships are explicit identifier references; nothing cascades
// implicitly.
type Record struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Kind             string `gorm:"column:kind;size:32;not null;index:idx_records_kind_parent,priority:1"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:'';index:idx_records_kind_parent,priority:2"`
	RemoteID         string `gorm:"column:remote_id;size:190;not null;default:''"`
	SyncStatus       string `gorm:"column:sync_status;size:16;not null;default:'pending';index:idx_records_sync_status"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}
