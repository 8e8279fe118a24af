package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/automerge/automerge-go"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	dsn := fmt.Sprintf("file:loom_gateway_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&document.Snapshot{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := document.NewStore(document.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	gateway, err := NewGateway(GatewayConfig{Store: store, KeepAliveEvery: time.Second})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		docID, err := document.NewDocumentID(r.URL.Query().Get("doc"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		role, err := auth.ParseRole(r.URL.Query().Get("role"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gateway.HandleSession(r.Context(), conn, docID, auth.SessionClaims{
			Subject:     "user-" + string(role),
			DisplayName: "Test User",
			Role:        role,
		})
	}))
	t.Cleanup(server.Close)
	return gateway, server
}

// wsPeer drives one live connection as an editing client would: it keeps a
// local replica plus a sync state and forwards incoming frames by kind.
type wsPeer struct {
	t     *testing.T
	conn  *websocket.Conn
	doc   *automerge.Doc
	state *automerge.SyncState

	control chan ControlMessage
	syncIn  chan []byte
	awareIn chan []byte
	done    chan struct{}
}

func dialPeer(t *testing.T, server *httptest.Server, docID, role string) *wsPeer {
	t.Helper()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/?doc=" + docID + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", endpoint, err)
	}

	doc := automerge.New()
	peer := &wsPeer{
		t:       t,
		conn:    conn,
		doc:     doc,
		state:   automerge.NewSyncState(doc),
		control: make(chan ControlMessage, 16),
		syncIn:  make(chan []byte, 16),
		awareIn: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	t.Cleanup(func() { conn.Close() })
	go peer.readLoop()
	return peer
}

func (p *wsPeer) readLoop() {
	defer close(p.done)
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var message ControlMessage
			if err := json.Unmarshal(data, &message); err != nil {
				continue
			}
			p.control <- message
		case websocket.BinaryMessage:
			channel, payload, err := DecodeFrame(data)
			if err != nil {
				continue
			}
			if channel == ChannelSync {
				p.syncIn <- payload
			} else {
				p.awareIn <- payload
			}
		}
	}
}

func (p *wsPeer) sendPending() {
	p.t.Helper()
	for {
		message, valid := p.state.GenerateMessage()
		if !valid {
			return
		}
		frame := EncodeFrame(ChannelSync, message.Bytes())
		if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			// The gateway may have closed the connection already.
			return
		}
	}
}

// exchange pumps sync traffic with the gateway until no frame arrives for a
// quiet window, replying to every received payload.
func (p *wsPeer) exchange(quiet time.Duration) {
	p.t.Helper()
	p.sendPending()
	for {
		select {
		case payload := <-p.syncIn:
			if _, err := p.state.ReceiveMessage(payload); err != nil {
				p.t.Fatalf("failed to receive sync payload: %v", err)
			}
			p.sendPending()
		case <-time.After(quiet):
			return
		}
	}
}

func (p *wsPeer) expectControl(wantType ControlType) ControlMessage {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case message := <-p.control:
			if message.Type == wantType {
				return message
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %q control message", wantType)
		}
	}
}

func headsFingerprint(doc *automerge.Doc) string {
	return fmt.Sprint(doc.Heads())
}

func TestGatewaySendsConnectedHandshake(t *testing.T) {
	_, server := newTestGateway(t)

	peer := dialPeer(t, server, "doc-handshake", "writer")
	connected := peer.expectControl(ControlConnected)

	if connected.Role != "writer" {
		t.Fatalf("expected role writer, got %q", connected.Role)
	}
	if connected.Color == "" {
		t.Fatal("expected an assigned cursor color")
	}
}

func TestGatewayConvergesTwoSessions(t *testing.T) {
	_, server := newTestGateway(t)

	alpha := dialPeer(t, server, "doc-converge", "writer")
	beta := dialPeer(t, server, "doc-converge", "writer")
	alpha.expectControl(ControlConnected)
	beta.expectControl(ControlConnected)

	if err := alpha.doc.Path("content").Set("shared draft"); err != nil {
		t.Fatalf("failed to edit replica: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		alpha.exchange(150 * time.Millisecond)
		beta.exchange(150 * time.Millisecond)
		if headsFingerprint(alpha.doc) == headsFingerprint(beta.doc) && headsFingerprint(alpha.doc) != headsFingerprint(automerge.New()) {
			return
		}
	}
	t.Fatalf("replicas did not converge: alpha=%s beta=%s",
		headsFingerprint(alpha.doc), headsFingerprint(beta.doc))
}

func TestGatewayDeniesEditsFromReader(t *testing.T) {
	_, server := newTestGateway(t)

	peer := dialPeer(t, server, "doc-readonly", "reader")
	connected := peer.expectControl(ControlConnected)
	if connected.Role != "reader" {
		t.Fatalf("expected role reader, got %q", connected.Role)
	}

	if err := peer.doc.Path("content").Set("forbidden edit"); err != nil {
		t.Fatalf("failed to edit replica: %v", err)
	}

	denied := make(chan ControlMessage, 1)
	go func() {
		for message := range peer.control {
			if message.Type == ControlPermissionDenied {
				denied <- message
				return
			}
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-denied:
			select {
			case <-peer.done:
			case <-time.After(3 * time.Second):
				t.Fatal("expected the gateway to close the connection after denying the edit")
			}
			return
		case <-peer.done:
			// Connection closed before the denial was read; the denial may
			// still be buffered on the control channel.
			select {
			case <-denied:
				return
			case <-time.After(time.Second):
				t.Fatal("connection closed without a permission denial")
			}
		default:
			peer.exchange(150 * time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for permission denial")
}

func TestGatewayKeepsDeniedEditsOut(t *testing.T) {
	_, server := newTestGateway(t)

	reader := dialPeer(t, server, "doc-quarantine", "reader")
	reader.expectControl(ControlConnected)
	reader.exchange(150 * time.Millisecond)

	if err := reader.doc.Path("content").Set("forbidden edit"); err != nil {
		t.Fatalf("failed to edit replica: %v", err)
	}
	closed := false
	closeDeadline := time.Now().Add(5 * time.Second)
	for !closed && time.Now().Before(closeDeadline) {
		select {
		case <-reader.done:
			closed = true
		default:
			reader.exchange(150 * time.Millisecond)
		}
	}
	if !closed {
		t.Fatal("expected the gateway to close the reader session")
	}

	// A later session must converge onto a document that never saw the edit.
	writer := dialPeer(t, server, "doc-quarantine", "writer")
	writer.expectControl(ControlConnected)
	empty := headsFingerprint(automerge.New())
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		writer.exchange(150 * time.Millisecond)
		if headsFingerprint(writer.doc) != empty {
			t.Fatalf("denied edit reached a later session: heads %s", headsFingerprint(writer.doc))
		}
	}
}

func TestGatewayBroadcastsAwareness(t *testing.T) {
	_, server := newTestGateway(t)

	alpha := dialPeer(t, server, "doc-presence", "writer")
	beta := dialPeer(t, server, "doc-presence", "writer")
	alpha.expectControl(ControlConnected)
	beta.expectControl(ControlConnected)

	cursor := 7
	payload, err := json.Marshal(AwarenessUpdate{
		State: &AwarenessState{UserID: "user-writer", DisplayName: "Test User", Cursor: &cursor},
	})
	if err != nil {
		t.Fatalf("failed to marshal awareness update: %v", err)
	}
	frame := EncodeFrame(ChannelAwareness, payload)
	if err := alpha.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("failed to write awareness frame: %v", err)
	}

	select {
	case raw := <-beta.awareIn:
		var update AwarenessUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			t.Fatalf("failed to decode awareness update: %v", err)
		}
		if update.SessionID == "" {
			t.Fatal("expected gateway to stamp the sender session id")
		}
		if update.State == nil || update.State.Cursor == nil || *update.State.Cursor != cursor {
			t.Fatalf("unexpected awareness state: %+v", update.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received the awareness broadcast")
	}

	select {
	case <-alpha.awareIn:
		t.Fatal("sender received its own awareness update")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGatewayForwardsCommentEvents(t *testing.T) {
	gateway, server := newTestGateway(t)

	peer := dialPeer(t, server, "doc-comments", "commenter")
	peer.expectControl(ControlConnected)

	docID, err := document.NewDocumentID("doc-comments")
	if err != nil {
		t.Fatalf("failed to build document id: %v", err)
	}
	gateway.Notifier().Publish(CommentEvent{
		DocumentID: docID,
		CommentID:  "comment-42",
		Type:       ControlCommentAdded,
		Timestamp:  time.Now(),
	})

	message := peer.expectControl(ControlCommentAdded)
	if message.CommentID != "comment-42" {
		t.Fatalf("expected comment-42, got %q", message.CommentID)
	}
	if message.DocumentID != "doc-comments" {
		t.Fatalf("expected doc-comments, got %q", message.DocumentID)
	}
}

func TestGatewayAnswersControlPing(t *testing.T) {
	_, server := newTestGateway(t)

	peer := dialPeer(t, server, "doc-ping", "reader")
	peer.expectControl(ControlConnected)

	payload, err := json.Marshal(ControlMessage{Type: ControlPing})
	if err != nil {
		t.Fatalf("failed to marshal ping: %v", err)
	}
	if err := peer.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("failed to write ping: %v", err)
	}
	peer.expectControl(ControlPong)
}
