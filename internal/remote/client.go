package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/perimetra/fieldsync/internal/record"
)

// ErrorKind classifies a failed remote call for retry decisions.
type ErrorKind string

const (
	// ErrorKindConnectivity covers transport failures reaching the remote:
	// DNS, refused connections, resets. The device is effectively offline.
	ErrorKindConnectivity ErrorKind = "connectivity"
	// ErrorKindTimeout covers deadlines exceeded in transit. The call may
	// have reached the remote; outcomes are unknown.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindServer covers responses the remote owns: 5xx and 429.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindClient covers rejections of the request itself: validation
	// and conflict responses in the 4xx range.
	ErrorKindClient ErrorKind = "client"
	// ErrorKindNotFound marks a 404: the target no longer exists remotely.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindUnauthorized marks a 401 that survived one token refresh.
	ErrorKindUnauthorized ErrorKind = "unauthorized"
)

// Error describes a failed remote call in terms the sync engine acts on.
type Error struct {
	Op      string
	Kind    ErrorKind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Kind, e.Status)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether another attempt can reasonably succeed without
// intervention: transport failures, timeouts and server-side conditions.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorKindConnectivity, ErrorKindTimeout, ErrorKindServer:
		return true
	default:
		return false
	}
}

// AsError unwraps err into a remote Error when one is in the chain.
func AsError(err error) (*Error, bool) {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}

// IsRetryable reports whether err allows another attempt. Non-remote errors
// count as non-retryable; the caller classified nothing about them.
func IsRetryable(err error) bool {
	if remoteErr, ok := AsError(err); ok {
		return remoteErr.Retryable()
	}
	return false
}

// IsNotFound reports whether the remote no longer has the target.
func IsNotFound(err error) bool {
	remoteErr, ok := AsError(err)
	return ok && remoteErr.Kind == ErrorKindNotFound
}

// IsConnectivity reports whether err indicates the remote is unreachable.
// Timeouts count: a device on a flaky link behaves like an offline one.
func IsConnectivity(err error) bool {
	remoteErr, ok := AsError(err)
	return ok && (remoteErr.Kind == ErrorKindConnectivity || remoteErr.Kind == ErrorKindTimeout)
}

// CreateRequest carries one local record to the remote.
type CreateRequest struct {
	// LocalID is the client-generated identifier. The remote deduplicates
	// on it, so replaying a create after a lost response returns the
	// original remote record instead of minting a duplicate.
	LocalID string
	// ParentRemoteID is the remote identifier of the parent record; empty
	// for projects.
	ParentRemoteID string
	// PayloadJSON is the record body.
	PayloadJSON string
}

// CreateResult reports the remote's view of a created record.
type CreateResult struct {
	RemoteID    string
	PayloadJSON string
}

// UpdateRequest carries changed fields for an existing remote record.
type UpdateRequest struct {
	RemoteID    string
	PayloadJSON string
}

// UpdateResult reports the remote's canonical payload after an update.
type UpdateResult struct {
	PayloadJSON string
}

// DeleteRequest names the remote record to remove.
type DeleteRequest struct {
	RemoteID string
}

// Client performs mutations against the remote API. Implementations never
// retry internally; the queue owns retry policy.
type Client interface {
	Create(ctx context.Context, kind record.Kind, req CreateRequest) (CreateResult, error)
	Update(ctx context.Context, kind record.Kind, req UpdateRequest) (UpdateResult, error)
	Delete(ctx context.Context, kind record.Kind, req DeleteRequest) error
}
