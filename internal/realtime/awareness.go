package realtime

import (
	"sync"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/document"
)

// AwarenessState carries the ephemeral per-session presence fields mirrored
// to peers. It is never persisted.
type AwarenessState struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
	Color          string `json:"color,omitempty"`
	Cursor         *int   `json:"cursor,omitempty"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	Away           bool   `json:"away,omitempty"`
}

// AwarenessUpdate is the awareness-channel wire payload. A removal clears the
// session's entry; anything else replaces it (last writer wins per session).
type AwarenessUpdate struct {
	SessionID string          `json:"sessionId"`
	Removed   bool            `json:"removed,omitempty"`
	State     *AwarenessState `json:"state,omitempty"`
}

type awarenessEntry struct {
	state    AwarenessState
	lastSeen time.Time
}

// AwarenessTracker holds the presence map per document. Entries live for the
// duration of their connection and are swept when lastSeen goes stale, which
// covers ungraceful disconnects.
type AwarenessTracker struct {
	mu    sync.RWMutex
	docs  map[document.DocumentID]map[document.SessionID]awarenessEntry
	clock func() time.Time
}

// NewAwarenessTracker constructs an empty tracker.
func NewAwarenessTracker(clock func() time.Time) *AwarenessTracker {
	if clock == nil {
		clock = time.Now
	}
	return &AwarenessTracker{
		docs:  make(map[document.DocumentID]map[document.SessionID]awarenessEntry),
		clock: clock,
	}
}

// Apply merges one awareness update. Arrival order is irrelevant for
// correctness: each update replaces the session's entry wholesale.
func (t *AwarenessTracker) Apply(docID document.DocumentID, update AwarenessUpdate) {
	sessionID := document.SessionID(update.SessionID)
	if sessionID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if update.Removed || update.State == nil {
		t.clearLocked(docID, sessionID)
		return
	}

	entries, ok := t.docs[docID]
	if !ok {
		entries = make(map[document.SessionID]awarenessEntry)
		t.docs[docID] = entries
	}
	entries[sessionID] = awarenessEntry{state: *update.State, lastSeen: t.clock()}
}

// Touch refreshes the session's lastSeen without changing its state.
func (t *AwarenessTracker) Touch(docID document.DocumentID, sessionID document.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.docs[docID]
	if !ok {
		return
	}
	entry, ok := entries[sessionID]
	if !ok {
		return
	}
	entry.lastSeen = t.clock()
	entries[sessionID] = entry
}

// Clear removes the session's entry immediately.
func (t *AwarenessTracker) Clear(docID document.DocumentID, sessionID document.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked(docID, sessionID)
}

// Snapshot returns the current presence state for the document.
func (t *AwarenessTracker) Snapshot(docID document.DocumentID) map[document.SessionID]AwarenessState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := t.docs[docID]
	snapshot := make(map[document.SessionID]AwarenessState, len(entries))
	for sessionID, entry := range entries {
		snapshot[sessionID] = entry.state
	}
	return snapshot
}

// Sweep evicts entries whose lastSeen exceeds the ttl and reports which
// sessions were removed per document so removals can be broadcast.
func (t *AwarenessTracker) Sweep(ttl time.Duration) map[document.DocumentID][]document.SessionID {
	cutoff := t.clock().Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make(map[document.DocumentID][]document.SessionID)
	for docID, entries := range t.docs {
		for sessionID, entry := range entries {
			if entry.lastSeen.Before(cutoff) {
				delete(entries, sessionID)
				removed[docID] = append(removed[docID], sessionID)
			}
		}
		if len(entries) == 0 {
			delete(t.docs, docID)
		}
	}
	return removed
}

func (t *AwarenessTracker) clearLocked(docID document.DocumentID, sessionID document.SessionID) {
	entries, ok := t.docs[docID]
	if !ok {
		return
	}
	delete(entries, sessionID)
	if len(entries) == 0 {
		delete(t.docs, docID)
	}
}
