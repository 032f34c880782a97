package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store with full subscription semantics. It
// backs tests and single-node runs; the dispatch queue serializes every
// subscription callback so observers never see concurrent deliveries.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool
	docs   map[Collection]map[string]json.RawMessage
	subs   *subscribers
	queue  *dispatchQueue
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store with a running dispatcher.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[Collection]map[string]json.RawMessage),
		subs:  newSubscribers(),
		queue: newDispatchQueue(),
	}
}

// Close drains pending deliveries and stops the dispatcher goroutine.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.queue.close()
}

// Create writes a full document, overwriting any previous body.
func (m *MemoryStore) Create(ctx context.Context, col Collection, docID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.docs[col] == nil {
		m.docs[col] = make(map[string]json.RawMessage)
	}
	m.docs[col][docID] = body
	m.mu.Unlock()

	m.fanOut(col, docID)
	return nil
}

// Get decodes the document into out, or fails with ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, col Collection, docID string, out any) error {
	m.mu.RLock()
	body, ok := m.docs[col][docID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(body, out)
}

// Update applies a top-level merge patch to an existing document.
func (m *MemoryStore) Update(ctx context.Context, col Collection, docID string, patch map[string]any) error {
	return m.applyPatch(col, docID, patch, nil)
}

// UpdateIf applies the patch only while every expect field still holds its
// given value.
func (m *MemoryStore) UpdateIf(ctx context.Context, col Collection, docID string, patch, expect map[string]any) error {
	return m.applyPatch(col, docID, patch, expect)
}

func (m *MemoryStore) applyPatch(col Collection, docID string, patch, expect map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	body, ok := m.docs[col][docID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	var current map[string]any
	if err := json.Unmarshal(body, &current); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: decode document: %w", err)
	}

	for field, want := range expect {
		if !jsonEqual(current[field], want) {
			m.mu.Unlock()
			return ErrConflict
		}
	}

	for field, value := range patch {
		current[field] = value
	}
	merged, err := json.Marshal(current)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: encode document: %w", err)
	}
	m.docs[col][docID] = merged
	m.mu.Unlock()

	m.fanOut(col, docID)
	return nil
}

// Delete removes the document and pushes an absent snapshot to subscribers.
// Deleting a missing document is a no-op, mirroring remote-store semantics.
func (m *MemoryStore) Delete(ctx context.Context, col Collection, docID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.docs[col][docID]
	delete(m.docs[col], docID)
	m.mu.Unlock()

	if existed {
		m.fanOut(col, docID)
	}
	return nil
}

// List returns a snapshot of every document in the collection, ordered by id.
func (m *MemoryStore) List(ctx context.Context, col Collection) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(col), nil
}

// Subscribe registers a standing listener on one document. The current state
// is delivered immediately (asynchronously, in dispatch order), even when the
// document does not exist yet.
func (m *MemoryStore) Subscribe(col Collection, docID string, fn ChangeFunc) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := m.subs.addDoc(col, docID, fn)
	snap := m.snapshotLocked(col, docID)
	m.mu.Unlock()

	m.queue.enqueue(func() { sub.deliver(snap, nil) })
	return sub, nil
}

// SubscribeQuery registers a standing listener on a whole collection, with an
// immediate initial delivery of the current result set.
func (m *MemoryStore) SubscribeQuery(col Collection, fn QueryFunc) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := m.subs.addQuery(col, fn)
	snaps := m.listLocked(col)
	m.mu.Unlock()

	m.queue.enqueue(func() { sub.deliver(snaps, nil) })
	return sub, nil
}

// fanOut pushes the document's current state to its subscribers and the
// collection's current result set to query subscribers.
func (m *MemoryStore) fanOut(col Collection, docID string) {
	m.mu.RLock()
	snap := m.snapshotLocked(col, docID)
	snaps := m.listLocked(col)
	m.mu.RUnlock()

	for _, sub := range m.subs.docSubs(col, docID) {
		sub := sub
		m.queue.enqueue(func() { sub.deliver(snap, nil) })
	}
	for _, sub := range m.subs.querySubs(col) {
		sub := sub
		m.queue.enqueue(func() { sub.deliver(snaps, nil) })
	}
}

func (m *MemoryStore) snapshotLocked(col Collection, docID string) Snapshot {
	body, ok := m.docs[col][docID]
	snap := Snapshot{Collection: col, DocID: docID, Exists: ok}
	if ok {
		snap.Data = bytes.Clone(body)
	}
	return snap
}

func (m *MemoryStore) listLocked(col Collection) []Snapshot {
	ids := make([]string, 0, len(m.docs[col]))
	for id := range m.docs[col] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, m.snapshotLocked(col, id))
	}
	return snaps
}

// jsonEqual compares two values by their JSON encoding, which sidesteps type
// differences between decoded documents (float64/string) and caller values.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
