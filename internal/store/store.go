// Package store defines the document-store contract the trip engine runs
// against: typed CRUD with merge updates plus push subscriptions that deliver
// full-state snapshots, including an immediate initial one.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Collection names the three logical document collections.
type Collection string

const (
	Drivers Collection = "Drivers"
	Riders  Collection = "Riders"
	Trips   Collection = "Trips"
)

var (
	// ErrNotFound reports a point read or update of a missing document.
	ErrNotFound = errors.New("store: document not found")
	// ErrPermissionDenied reports a rejected operation.
	ErrPermissionDenied = errors.New("store: permission denied")
	// ErrUnavailable reports a transport/network failure.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict reports a conditional update whose expectation no longer held.
	ErrConflict = errors.New("store: conditional update conflict")
	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("store: closed")
)

// Snapshot is a push-delivered, full-state representation of a document at a
// point in time. It is self-describing: it carries the entire current body,
// never a delta, so a stale snapshot overwrites with a valid past state rather
// than a partially-applied one. Exists=false means the document was deleted
// (or never created) — for trips, that is the cancellation signal.
type Snapshot struct {
	Collection Collection
	DocID      string
	Exists     bool
	Data       json.RawMessage
}

// Decode unmarshals the snapshot body into v. Decoding an absent snapshot
// fails with ErrNotFound.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	return json.Unmarshal(s.Data, v)
}

// ChangeFunc receives every state change of a subscribed document.
type ChangeFunc func(Snapshot, error)

// QueryFunc receives the full current result set of a subscribed collection
// every time any document in it changes.
type QueryFunc func([]Snapshot, error)

// Handle is a standing subscription. Release stops delivery; no new callback
// is started once Release returns.
type Handle interface {
	Release()
}

// Store is the document-store adapter. Every call either succeeds with a
// typed result or fails with a store-level error; the adapter never retries
// on behalf of the caller.
type Store interface {
	// Create writes a full document, overwriting any previous body.
	Create(ctx context.Context, col Collection, docID string, doc any) error
	// Get decodes the document into out, or fails with ErrNotFound.
	Get(ctx context.Context, col Collection, docID string, out any) error
	// Update applies a top-level merge patch to an existing document.
	Update(ctx context.Context, col Collection, docID string, patch map[string]any) error
	// UpdateIf applies the patch only while every expect field still holds its
	// given value; otherwise it fails with ErrConflict.
	UpdateIf(ctx context.Context, col Collection, docID string, patch, expect map[string]any) error
	// Delete removes the document. Deleting a trip is the cancellation signal:
	// active subscriptions subsequently report Exists=false, they do not error.
	Delete(ctx context.Context, col Collection, docID string) error
	// List returns a snapshot of every document in the collection.
	List(ctx context.Context, col Collection) ([]Snapshot, error)
	// Subscribe registers a standing listener on one document.
	Subscribe(col Collection, docID string, fn ChangeFunc) (Handle, error)
	// SubscribeQuery registers a standing listener on a whole collection.
	SubscribeQuery(col Collection, fn QueryFunc) (Handle, error)
}
