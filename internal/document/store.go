package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const contentKey = "content"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Outbound maps attached sessions to the sync payloads pending for each.
type Outbound map[SessionID][][]byte

// StoreConfig describes the dependencies required by the document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns the live replicated state of every open document. Each document
// is guarded by its own mutex; sessions on different documents never contend.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	live map[DocumentID]*liveDocument
}

type liveDocument struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	sessions map[SessionID]*automerge.SyncState
	dirty    bool

	// ready is closed once rehydration finished; err is set before the close.
	ready chan struct{}
	err   error
}

// NewStore constructs a document store backed by the provided database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		live:   make(map[DocumentID]*liveDocument),
	}, nil
}

// Attach rehydrates the document if dormant, registers a sync state for the
// session, and returns the initial handshake payloads the server owes the
// session (its current state vector, and any changes it can already offer).
func (s *Store) Attach(ctx context.Context, docID DocumentID, sessionID SessionID) ([][]byte, error) {
	live, err := s.open(ctx, docID)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	state := automerge.NewSyncState(live.doc)
	live.sessions[sessionID] = state
	return drainSyncState(state), nil
}

// Receive applies one inbound sync payload from the session and returns the
// payloads now pending for every attached session, the sender included: the
// reply half of the handshake and fanned-out incremental updates both arrive
// this way. Duplicate and reordered payloads are tolerated by construction.
// The second return value reports how many changes the payload carried.
// Sessions that may not edit go through ReceiveReadOnly instead.
func (s *Store) Receive(ctx context.Context, docID DocumentID, sessionID SessionID, payload []byte) (Outbound, int, error) {
	live, err := s.open(ctx, docID)
	if err != nil {
		return nil, 0, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	state, ok := live.sessions[sessionID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrSessionNotAttached, sessionID)
	}
	msg, err := state.ReceiveMessage(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSyncPayload, err)
	}
	carried := 0
	if msg != nil {
		carried = len(msg.Changes())
	}
	if carried > 0 {
		live.dirty = true
	}

	return live.pendingLocked(), carried, nil
}

// ReceiveReadOnly applies one inbound sync payload from a session that is not
// allowed to edit. The payload is replayed against a throwaway fork first:
// when it carries changes, the authoritative document and the session's sync
// state stay untouched and ErrReadOnlySession is returned. Change-free
// payloads, the handshake's state exchange, proceed as usual so a read-only
// session still receives the document.
func (s *Store) ReceiveReadOnly(ctx context.Context, docID DocumentID, sessionID SessionID, payload []byte) (Outbound, error) {
	live, err := s.open(ctx, docID)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	state, ok := live.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotAttached, sessionID)
	}

	fork, err := live.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("document: fork for inspection: %w", err)
	}
	msg, err := automerge.NewSyncState(fork).ReceiveMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyncPayload, err)
	}
	if msg != nil && len(msg.Changes()) > 0 {
		return nil, ErrReadOnlySession
	}

	if _, err := state.ReceiveMessage(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSyncPayload, err)
	}
	return live.pendingLocked(), nil
}

// Detach removes the session's sync state. When the last session leaves, the
// snapshot is persisted and the live document is released.
func (s *Store) Detach(ctx context.Context, docID DocumentID, sessionID SessionID) error {
	live, ok := s.lookup(docID)
	if !ok {
		return nil
	}

	live.mu.Lock()
	delete(live.sessions, sessionID)
	remaining := len(live.sessions)
	dirty := live.dirty
	var blob []byte
	if remaining == 0 && dirty {
		blob = live.doc.Save()
		live.dirty = false
	}
	live.mu.Unlock()

	if remaining == 0 {
		s.mu.Lock()
		delete(s.live, docID)
		s.mu.Unlock()
		if blob != nil {
			return s.persistBlob(ctx, docID, blob)
		}
	}
	return nil
}

// SetContent replaces the live document content at the root content key.
// Branch switches and rollbacks cross this boundary; in-flight sessions pick
// the change up as an ordinary incremental update.
func (s *Store) SetContent(ctx context.Context, docID DocumentID, content string) (Outbound, error) {
	live, err := s.open(ctx, docID)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	if err := live.doc.Path(contentKey).Set(content); err != nil {
		return nil, fmt.Errorf("document: set content: %w", err)
	}
	live.dirty = true

	return live.pendingLocked(), nil
}

// Persist writes the current snapshot for the document when it has unsaved
// changes. It is a no-op for dormant or clean documents.
func (s *Store) Persist(ctx context.Context, docID DocumentID) error {
	live, ok := s.lookup(docID)
	if !ok {
		return nil
	}

	live.mu.Lock()
	if !live.dirty {
		live.mu.Unlock()
		return nil
	}
	blob := live.doc.Save()
	live.dirty = false
	live.mu.Unlock()

	return s.persistBlob(ctx, docID, blob)
}

// FlushDirty persists every live document with unsaved changes.
func (s *Store) FlushDirty(ctx context.Context) {
	s.mu.Lock()
	ids := make([]DocumentID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Persist(ctx, id); err != nil {
			s.logger.Error("document snapshot flush failed",
				zap.String("document_id", id.String()),
				zap.Error(err))
		}
	}
}

// SessionCount reports the number of sessions attached to the document.
func (s *Store) SessionCount(docID DocumentID) int {
	live, ok := s.lookup(docID)
	if !ok {
		return 0
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	return len(live.sessions)
}

// open returns the live document, rehydrating it on first use. A placeholder
// is registered under the store lock and the snapshot is loaded outside it,
// so one document's rehydration never stalls sessions on other documents.
func (s *Store) open(ctx context.Context, docID DocumentID) (*liveDocument, error) {
	s.mu.Lock()
	if live, ok := s.live[docID]; ok {
		s.mu.Unlock()
		<-live.ready
		if live.err != nil {
			return nil, live.err
		}
		return live, nil
	}
	live := &liveDocument{
		sessions: make(map[SessionID]*automerge.SyncState),
		ready:    make(chan struct{}),
	}
	s.live[docID] = live
	s.mu.Unlock()

	doc, err := s.rehydrate(ctx, docID)
	if err != nil {
		live.err = err
		close(live.ready)
		s.mu.Lock()
		delete(s.live, docID)
		s.mu.Unlock()
		return nil, err
	}
	live.doc = doc
	close(live.ready)
	return live, nil
}

// lookup returns the live document only once it is fully rehydrated.
func (s *Store) lookup(docID DocumentID) (*liveDocument, bool) {
	s.mu.Lock()
	live, ok := s.live[docID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-live.ready
	if live.err != nil {
		return nil, false
	}
	return live, true
}

func (s *Store) rehydrate(ctx context.Context, docID DocumentID) (*automerge.Doc, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return automerge.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("document: snapshot lookup: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(snapshot.SnapshotB64)
	if err != nil {
		return nil, fmt.Errorf("document: snapshot decode: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("document: snapshot load: %w", err)
	}
	s.logger.Debug("document rehydrated", zap.String("document_id", docID.String()))
	return doc, nil
}

func (s *Store) persistBlob(ctx context.Context, docID DocumentID, blob []byte) error {
	record := Snapshot{
		DocumentID:       docID.String(),
		SnapshotB64:      base64.StdEncoding.EncodeToString(blob),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_b64", "updated_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("document: snapshot persist: %w", err)
	}
	return nil
}

// pendingLocked drains every attached sync state. The caller holds live.mu.
func (ld *liveDocument) pendingLocked() Outbound {
	outbound := make(Outbound, len(ld.sessions))
	for id, state := range ld.sessions {
		if payloads := drainSyncState(state); len(payloads) > 0 {
			outbound[id] = payloads
		}
	}
	return outbound
}

func drainSyncState(state *automerge.SyncState) [][]byte {
	var payloads [][]byte
	for {
		msg, valid := state.GenerateMessage()
		if !valid {
			break
		}
		payloads = append(payloads, msg.Bytes())
	}
	return payloads
}
