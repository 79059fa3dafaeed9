package queue

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates the network-bound mutations an item can carry.
type Operation string

const (
	// OperationCreate pushes a locally created entity to the remote side.
	OperationCreate Operation = "create"
	// OperationUpdate pushes the latest local payload for a synced entity.
	OperationUpdate Operation = "update"
	// OperationDelete removes the entity from the remote side.
	OperationDelete Operation = "delete"
)

// Priority orders items across entities. High drains before normal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Status tracks an item through its dispatch lifecycle. Failed is terminal:
// retryable failures return the item to pending with a backoff window.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "inFlight"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
)

var (
	// ErrInvalidOperation indicates an unknown queue operation.
	ErrInvalidOperation = errors.New("queue: invalid operation")
	// ErrInvalidPriority indicates an unknown priority tier.
	ErrInvalidPriority = errors.New("queue: invalid priority")
	// ErrNotFound indicates that no queue item matches the identifier.
	ErrNotFound = errors.New("queue: item not found")
	// ErrNotFailed indicates a manual retry or discard aimed at an item that
	// is not terminally failed.
	ErrNotFailed = errors.New("queue: item is not failed")
	// ErrMissingEntityID indicates an enqueue request without an entity id.
	ErrMissingEntityID = errors.New("queue: entity id is required")
)

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// ParsePriority validates raw input and returns a Priority.
func ParsePriority(rawInput string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal:
		return PriorityNormal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, rawInput)
	}
}

// rank maps the priority to its dispatch order; lower drains first.
func (p Priority) rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// Item is one pending network-bound mutation against a single entity. The
// autoincrement id doubles as the FIFO tie-break within a priority tier.
// Parent identifiers are denormalized so ordering checks never load records.
type Item struct {
	ID                   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType           string `gorm:"column:entity_type;size:32;not null;index:idx_queue_entity,priority:1"`
	EntityID             string `gorm:"column:entity_id;size:190;not null;index:idx_queue_entity,priority:2"`
	ParentID             string `gorm:"column:parent_id;size:190;not null;default:'';index:idx_queue_parent"`
	Operation            string `gorm:"column:op;size:16;not null"`
	PriorityRank         int    `gorm:"column:priority_rank;not null;default:1"`
	Status               string `gorm:"column:status;size:16;not null;default:'pending';index:idx_queue_status"`
	RetryCount           int    `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtSeconds int64  `gorm:"column:next_attempt_at_s;not null;default:0"`
	CreatedAtSeconds     int64  `gorm:"column:created_at_s;not null"`
	LastAttemptAtSeconds int64  `gorm:"column:last_attempt_at_s;not null;default:0"`
	LastError            string `gorm:"column:last_error;type:text;not null;default:''"`
	PayloadJSON          string `gorm:"column:payload_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "queue_items"
}

// Priority reconstructs the tier from the persisted rank.
func (i Item) Priority() Priority {
	if i.PriorityRank == 0 {
		return PriorityHigh
	}
	return PriorityNormal
}

// Stats aggregates item counts per lifecycle status.
type Stats struct {
	Pending  int64
	InFlight int64
	Failed   int64
	Done     int64
}

// Total returns the number of items currently persisted.
func (s Stats) Total() int64 {
	return s.Pending + s.InFlight + s.Failed + s.Done
}
