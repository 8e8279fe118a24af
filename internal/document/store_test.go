package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type simClient struct {
	doc   *automerge.Doc
	state *automerge.SyncState
}

func newSimClient() *simClient {
	doc := automerge.New()
	return &simClient{doc: doc, state: automerge.NewSyncState(doc)}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:loom_doc_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db, Clock: func() time.Time { return time.Unix(1700000600, 0).UTC() }})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func attachClient(t *testing.T, store *Store, docID DocumentID, sessionID SessionID, clients map[SessionID]*simClient) *simClient {
	t.Helper()

	client := newSimClient()
	clients[sessionID] = client
	initial, err := store.Attach(context.Background(), docID, sessionID)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	for _, payload := range initial {
		if _, err := client.state.ReceiveMessage(payload); err != nil {
			t.Fatalf("client failed to receive handshake payload: %v", err)
		}
	}
	return client
}

func deliver(t *testing.T, clients map[SessionID]*simClient, outbound Outbound) {
	t.Helper()
	for sessionID, payloads := range outbound {
		client, ok := clients[sessionID]
		if !ok {
			continue
		}
		for _, payload := range payloads {
			if _, err := client.state.ReceiveMessage(payload); err != nil {
				t.Fatalf("client %s failed to receive payload: %v", sessionID, err)
			}
		}
	}
}

func pump(t *testing.T, store *Store, docID DocumentID, clients map[SessionID]*simClient) {
	t.Helper()
	for round := 0; round < 64; round++ {
		traffic := false
		for sessionID, client := range clients {
			for {
				msg, valid := client.state.GenerateMessage()
				if !valid {
					break
				}
				traffic = true
				outbound, _, err := store.Receive(context.Background(), docID, sessionID, msg.Bytes())
				if err != nil {
					t.Fatalf("receive failed for %s: %v", sessionID, err)
				}
				deliver(t, clients, outbound)
			}
		}
		if !traffic {
			return
		}
	}
	t.Fatal("sync did not quiesce")
}

func headsOf(client *simClient) string {
	return fmt.Sprint(client.doc.Heads())
}

func TestTwoSessionsConverge(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-1")
	clients := make(map[SessionID]*simClient)

	alpha := attachClient(t, store, docID, "session-a", clients)
	beta := attachClient(t, store, docID, "session-b", clients)

	// Concurrent edits on both replicas before any exchange.
	if err := alpha.doc.Path("title").Set("Chapter One"); err != nil {
		t.Fatalf("alpha edit failed: %v", err)
	}
	if err := beta.doc.Path("synopsis").Set("A storm gathers."); err != nil {
		t.Fatalf("beta edit failed: %v", err)
	}

	pump(t, store, docID, clients)

	if headsOf(alpha) != headsOf(beta) {
		t.Fatalf("replicas diverged: %s vs %s", headsOf(alpha), headsOf(beta))
	}
	if len(alpha.doc.Heads()) == 0 {
		t.Fatal("expected non-empty heads after edits")
	}
}

func TestOfflineSessionResynchronises(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-2")
	clients := make(map[SessionID]*simClient)

	alpha := attachClient(t, store, docID, "session-a", clients)
	beta := attachClient(t, store, docID, "session-b", clients)
	pump(t, store, docID, clients)

	// Beta drops off; alpha keeps editing.
	if err := store.Detach(context.Background(), docID, "session-b"); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	delete(clients, "session-b")

	if err := alpha.doc.Path("content").Set("It was a dark and stormy night."); err != nil {
		t.Fatalf("alpha edit failed: %v", err)
	}
	pump(t, store, docID, clients)

	// Beta rejoins with a fresh sync state over its stale replica.
	beta.state = automerge.NewSyncState(beta.doc)
	clients["session-b"] = beta
	initial, err := store.Attach(context.Background(), docID, "session-b")
	if err != nil {
		t.Fatalf("re-attach failed: %v", err)
	}
	for _, payload := range initial {
		if _, err := beta.state.ReceiveMessage(payload); err != nil {
			t.Fatalf("beta failed to receive handshake payload: %v", err)
		}
	}
	pump(t, store, docID, clients)

	if headsOf(alpha) != headsOf(beta) {
		t.Fatalf("offline replica did not resynchronise: %s vs %s", headsOf(alpha), headsOf(beta))
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-3")
	clients := make(map[SessionID]*simClient)

	alpha := attachClient(t, store, docID, "session-a", clients)
	if err := alpha.doc.Path("content").Set("Persisted prose."); err != nil {
		t.Fatalf("alpha edit failed: %v", err)
	}
	pump(t, store, docID, clients)

	// Last session leaving persists the snapshot and releases the live doc.
	if err := store.Detach(context.Background(), docID, "session-a"); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if store.SessionCount(docID) != 0 {
		t.Fatal("expected no live sessions after detach")
	}

	rejoined := make(map[SessionID]*simClient)
	gamma := attachClient(t, store, docID, "session-c", rejoined)
	pump(t, store, docID, rejoined)

	if headsOf(gamma) != headsOf(alpha) {
		t.Fatalf("rehydrated document lost history: %s vs %s", headsOf(gamma), headsOf(alpha))
	}
}

func TestSetContentReachesAttachedSessions(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-4")
	clients := make(map[SessionID]*simClient)

	alpha := attachClient(t, store, docID, "session-a", clients)
	pump(t, store, docID, clients)

	outbound, err := store.SetContent(context.Background(), docID, "Rolled back text.")
	if err != nil {
		t.Fatalf("set content failed: %v", err)
	}
	deliver(t, clients, outbound)
	pump(t, store, docID, clients)

	beta := attachClient(t, store, docID, "session-b", clients)
	pump(t, store, docID, clients)

	if headsOf(alpha) != headsOf(beta) {
		t.Fatalf("content replacement did not propagate: %s vs %s", headsOf(alpha), headsOf(beta))
	}
	if len(alpha.doc.Heads()) == 0 {
		t.Fatal("expected heads after content replacement")
	}
}

func TestReceiveReadOnlyBlocksEdits(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-7")
	clients := make(map[SessionID]*simClient)

	reader := attachClient(t, store, docID, "session-r", clients)

	// Change-free handshake traffic passes through untouched.
	for round := 0; round < 64; round++ {
		msg, valid := reader.state.GenerateMessage()
		if !valid {
			break
		}
		outbound, err := store.ReceiveReadOnly(context.Background(), docID, "session-r", msg.Bytes())
		if err != nil {
			t.Fatalf("handshake payload rejected: %v", err)
		}
		deliver(t, clients, outbound)
	}

	if err := reader.doc.Path("content").Set("forbidden edit"); err != nil {
		t.Fatalf("reader edit failed: %v", err)
	}
	denied := false
	for round := 0; round < 64; round++ {
		msg, valid := reader.state.GenerateMessage()
		if !valid {
			break
		}
		_, err := store.ReceiveReadOnly(context.Background(), docID, "session-r", msg.Bytes())
		if errors.Is(err, ErrReadOnlySession) {
			denied = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected receive error: %v", err)
		}
	}
	if !denied {
		t.Fatal("expected the carried edit to be rejected")
	}

	// The authoritative document never absorbed the edit: a later session
	// converges onto an empty document.
	late := make(map[SessionID]*simClient)
	writer := attachClient(t, store, docID, "session-w", late)
	pump(t, store, docID, late)
	if len(writer.doc.Heads()) != 0 {
		t.Fatalf("read-only session mutated the document: heads %v", writer.doc.Heads())
	}
}

func TestReceiveReadOnlyRequiresAttachedSession(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-8")

	if _, err := store.ReceiveReadOnly(context.Background(), docID, "session-z", []byte{0x00}); !errors.Is(err, ErrSessionNotAttached) {
		t.Fatalf("expected ErrSessionNotAttached, got %v", err)
	}
}

func TestConcurrentAttachSharesOneRehydration(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-9")

	// Seed a snapshot so later attaches rehydrate from storage.
	seeded := make(map[SessionID]*simClient)
	seed := attachClient(t, store, docID, "session-seed", seeded)
	if err := seed.doc.Path("content").Set("seeded prose"); err != nil {
		t.Fatalf("seed edit failed: %v", err)
	}
	pump(t, store, docID, seeded)
	if err := store.Detach(context.Background(), docID, "session-seed"); err != nil {
		t.Fatalf("detach failed: %v", err)
	}

	const attachers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, attachers)
	for worker := 0; worker < attachers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sessionID := SessionID(fmt.Sprintf("session-%d", worker))
			if _, err := store.Attach(context.Background(), docID, sessionID); err != nil {
				errCh <- err
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent attach failed: %v", err)
	}

	if got := store.SessionCount(docID); got != attachers {
		t.Fatalf("expected %d sessions on one live document, got %d", attachers, got)
	}

	// Every attacher syncs against the same rehydrated replica.
	clients := make(map[SessionID]*simClient)
	verifier := attachClient(t, store, docID, "session-verify", clients)
	pump(t, store, docID, clients)
	if headsOf(verifier) != headsOf(seed) {
		t.Fatalf("rehydrated document diverged: %s vs %s", headsOf(verifier), headsOf(seed))
	}
}

func TestReceiveRejectsGarbagePayload(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-5")
	clients := make(map[SessionID]*simClient)
	attachClient(t, store, docID, "session-a", clients)

	if _, _, err := store.Receive(context.Background(), docID, "session-a", []byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Fatal("expected garbage payload to be rejected")
	}
}

func TestReceiveRequiresAttachedSession(t *testing.T) {
	store := newTestStore(t)
	docID, _ := NewDocumentID("doc-6")

	_, _, err := store.Receive(context.Background(), docID, "session-z", []byte{0x00})
	if err == nil {
		t.Fatal("expected error for unattached session")
	}
}
