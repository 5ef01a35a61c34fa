package gateway

import (
	"context"
	"fmt"

	"github.com/astromechza/listsync/pkg/lists"
)

// Gateway is everything the client needs from the backend: a bulk read, the mutations and one subscription per event
// kind.
type Gateway interface {
	BulkRead(ctx context.Context) ([]lists.ListItem, error)
	Create(ctx context.Context, item lists.ListItem) (lists.ListItem, error)
	Update(ctx context.Context, item lists.ListItem) (lists.ListItem, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, kind lists.EventKind) (Subscription, error)
}

// Subscription delivers events of a single kind until Unsubscribe is called. The events channel is closed once the
// subscription has been released. Unsubscribe may be called any number of times.
type Subscription interface {
	Events() <-chan lists.Event
	Unsubscribe()
}

// TransportError wraps any failure to reach the backend or any rejection by it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}
