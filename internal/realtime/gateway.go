package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageBytes    = 1 << 20
	writeWait          = 10 * time.Second
	sendBufferSize     = 64
	defaultKeepAlive   = 30 * time.Second
	defaultPresenceTTL = 60 * time.Second
)

var (
	errMissingStore = errors.New("realtime: document store is required")
	noOpLogger      = zap.NewNop()
)

// sessionColors is the palette cursors are tinted with; assignment is
// deterministic per session so reconnects keep their color.
var sessionColors = []string{
	"#e07a5f", "#3d405b", "#81b29a", "#f2cc8f",
	"#6d597a", "#b56576", "#355070", "#e56b6f",
}

// GatewayConfig describes the dependencies of the sync gateway.
type GatewayConfig struct {
	Store          *document.Store
	Awareness      *AwarenessTracker
	Notifier       *Notifier
	KeepAliveEvery time.Duration
	AwarenessTTL   time.Duration
	FlushEvery     time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Gateway terminates websocket sessions, multiplexes the sync and awareness
// channels plus the JSON control channel on each connection, and fans
// document updates out to every other session on the same document.
type Gateway struct {
	store        *document.Store
	awareness    *AwarenessTracker
	notifier     *Notifier
	keepAlive    time.Duration
	awarenessTTL time.Duration
	flushEvery   time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu    sync.RWMutex
	rooms map[document.DocumentID]map[document.SessionID]*session
}

type outboundFrame struct {
	kind int
	data []byte
}

type session struct {
	id     document.SessionID
	docID  document.DocumentID
	claims auth.SessionClaims
	conn   *websocket.Conn
	send   chan outboundFrame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewGateway constructs a gateway over the provided document store.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	awareness := cfg.Awareness
	if awareness == nil {
		awareness = NewAwarenessTracker(cfg.Clock)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	keepAlive := cfg.KeepAliveEvery
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	awarenessTTL := cfg.AwarenessTTL
	if awarenessTTL <= 0 {
		awarenessTTL = defaultPresenceTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gateway{
		store:        cfg.Store,
		awareness:    awareness,
		notifier:     notifier,
		keepAlive:    keepAlive,
		awarenessTTL: awarenessTTL,
		flushEvery:   cfg.FlushEvery,
		clock:        clock,
		logger:       logger,
		rooms:        make(map[document.DocumentID]map[document.SessionID]*session),
	}, nil
}

// Awareness exposes the tracker for presence-sweep wiring and tests.
func (g *Gateway) Awareness() *AwarenessTracker {
	return g.awareness
}

// Notifier exposes the comment notifier shared with the comment subsystem.
func (g *Gateway) Notifier() *Notifier {
	return g.notifier
}

// Run drives the periodic awareness sweep and snapshot flush until ctx is
// done. Sessions run independently of this loop.
func (g *Gateway) Run(ctx context.Context) {
	sweepEvery := g.awarenessTTL / 2
	if sweepEvery <= 0 {
		sweepEvery = defaultPresenceTTL / 2
	}
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	flushEvery := g.flushEvery
	if flushEvery <= 0 {
		flushEvery = 15 * time.Second
	}
	flushTicker := time.NewTicker(flushEvery)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.store.FlushDirty(context.Background())
			return
		case <-sweepTicker.C:
			g.sweepPresence()
		case <-flushTicker.C:
			g.store.FlushDirty(ctx)
		}
	}
}

// HandleSession owns the connection for one (document, user) session: it runs
// the sync handshake, then pumps messages until the connection drops. The
// caller has already authenticated the claims and upgraded the connection.
func (g *Gateway) HandleSession(ctx context.Context, conn *websocket.Conn, docID document.DocumentID, claims auth.SessionClaims) {
	sessionID := document.SessionID(uuid.NewString())
	sess := &session{
		id:     sessionID,
		docID:  docID,
		claims: claims,
		conn:   conn,
		send:   make(chan outboundFrame, sendBufferSize),
		closed: make(chan struct{}),
	}

	initial, err := g.store.Attach(ctx, docID, sessionID)
	if err != nil {
		g.logger.Error("session attach failed",
			zap.String("document_id", docID.String()),
			zap.String("user_id", claims.Subject),
			zap.Error(err))
		g.writeControlDirect(conn, ControlMessage{Type: ControlError, Message: "document unavailable"})
		conn.Close()
		return
	}

	g.register(sess)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.pumpCommentEvents(sessionCtx, sess)
	go g.writePump(sess)

	g.enqueueControl(sess, ControlMessage{
		Type:  ControlConnected,
		Color: colorFor(sessionID),
		Role:  claims.Role.String(),
	})
	for peerID, state := range g.awareness.Snapshot(docID) {
		peerState := state
		g.enqueueAwareness(sess, AwarenessUpdate{SessionID: peerID.String(), State: &peerState})
	}
	for _, payload := range initial {
		g.enqueue(sess, outboundFrame{kind: websocket.BinaryMessage, data: EncodeFrame(ChannelSync, payload)})
	}

	g.readPump(sessionCtx, sess)
	g.teardown(sess)
}

func (g *Gateway) readPump(ctx context.Context, sess *session) {
	pongWait := 2 * g.keepAlive
	sess.conn.SetReadLimit(maxMessageBytes)
	sess.conn.SetReadDeadline(g.clock().Add(pongWait)) //nolint:errcheck
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(g.clock().Add(pongWait)) //nolint:errcheck
		g.awareness.Touch(sess.docID, sess.id)
		return nil
	})

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("session read failed",
					zap.String("document_id", sess.docID.String()),
					zap.String("session_id", sess.id.String()),
					zap.Error(err))
			}
			return
		}
		sess.conn.SetReadDeadline(g.clock().Add(pongWait)) //nolint:errcheck

		switch msgType {
		case websocket.BinaryMessage:
			if !g.handleBinary(ctx, sess, data) {
				return
			}
		case websocket.TextMessage:
			g.handleControl(sess, data)
		}
	}
}

// handleBinary dispatches one multiplexed frame. It reports whether the
// session may continue.
func (g *Gateway) handleBinary(ctx context.Context, sess *session, data []byte) bool {
	channel, payload, err := DecodeFrame(data)
	if err != nil {
		g.enqueueControl(sess, ControlMessage{Type: ControlError, Message: err.Error()})
		return true
	}

	switch channel {
	case ChannelSync:
		if !sess.claims.Role.AtLeast(auth.RoleWriter) {
			// The store inspects the payload on a fork; carried changes
			// never reach the authoritative document.
			outbound, err := g.store.ReceiveReadOnly(ctx, sess.docID, sess.id, payload)
			if errors.Is(err, document.ErrReadOnlySession) {
				g.enqueueControl(sess, ControlMessage{
					Type:    ControlPermissionDenied,
					Message: fmt.Sprintf("editing requires the %s role", auth.RoleWriter),
				})
				return false
			}
			if err != nil {
				g.enqueueControl(sess, ControlMessage{Type: ControlError, Message: "sync payload rejected"})
				return true
			}
			g.fanOutSync(sess.docID, outbound)
			return true
		}
		outbound, _, err := g.store.Receive(ctx, sess.docID, sess.id, payload)
		if err != nil {
			g.enqueueControl(sess, ControlMessage{Type: ControlError, Message: "sync payload rejected"})
			return true
		}
		g.fanOutSync(sess.docID, outbound)
	case ChannelAwareness:
		var update AwarenessUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			g.enqueueControl(sess, ControlMessage{Type: ControlError, Message: "awareness payload rejected"})
			return true
		}
		// The gateway, not the client, names the session.
		update.SessionID = sess.id.String()
		g.awareness.Apply(sess.docID, update)
		g.broadcastAwareness(sess.docID, sess.id, update)
	}
	return true
}

func (g *Gateway) handleControl(sess *session, data []byte) {
	var message ControlMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return
	}
	if message.Type == ControlPing {
		g.awareness.Touch(sess.docID, sess.id)
		g.enqueueControl(sess, ControlMessage{Type: ControlPong})
	}
}

func (g *Gateway) writePump(sess *session) {
	ticker := time.NewTicker(g.keepAlive)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case <-sess.closed:
			sess.conn.SetWriteDeadline(g.clock().Add(writeWait))     //nolint:errcheck
			sess.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return
		case frame := <-sess.send:
			sess.conn.SetWriteDeadline(g.clock().Add(writeWait)) //nolint:errcheck
			if err := sess.conn.WriteMessage(frame.kind, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(g.clock().Add(writeWait)) //nolint:errcheck
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) pumpCommentEvents(ctx context.Context, sess *session) {
	stream, cleanup := g.notifier.Subscribe(ctx, sess.docID)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			g.enqueueControl(sess, ControlMessage{
				Type:       event.Type,
				DocumentID: event.DocumentID.String(),
				CommentID:  event.CommentID,
			})
		}
	}
}

// Relay fans externally produced sync payloads out to attached sessions, for
// callers that mutate the document outside a websocket session.
func (g *Gateway) Relay(docID document.DocumentID, outbound document.Outbound) {
	g.fanOutSync(docID, outbound)
}

func (g *Gateway) fanOutSync(docID document.DocumentID, outbound document.Outbound) {
	g.mu.RLock()
	room := g.rooms[docID]
	targets := make(map[document.SessionID]*session, len(room))
	for id, peer := range room {
		targets[id] = peer
	}
	g.mu.RUnlock()

	for sessionID, payloads := range outbound {
		peer, ok := targets[sessionID]
		if !ok {
			continue
		}
		for _, payload := range payloads {
			g.enqueue(peer, outboundFrame{kind: websocket.BinaryMessage, data: EncodeFrame(ChannelSync, payload)})
		}
	}
}

func (g *Gateway) broadcastAwareness(docID document.DocumentID, except document.SessionID, update AwarenessUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	frame := outboundFrame{kind: websocket.BinaryMessage, data: EncodeFrame(ChannelAwareness, payload)}

	g.mu.RLock()
	room := g.rooms[docID]
	peers := make([]*session, 0, len(room))
	for id, peer := range room {
		if id == except {
			continue
		}
		peers = append(peers, peer)
	}
	g.mu.RUnlock()

	for _, peer := range peers {
		g.enqueue(peer, frame)
	}
}

func (g *Gateway) sweepPresence() {
	removed := g.awareness.Sweep(g.awarenessTTL)
	for docID, sessions := range removed {
		for _, sessionID := range sessions {
			g.broadcastAwareness(docID, sessionID, AwarenessUpdate{SessionID: sessionID.String(), Removed: true})
		}
	}
}

func (g *Gateway) register(sess *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[sess.docID]
	if !ok {
		room = make(map[document.SessionID]*session)
		g.rooms[sess.docID] = room
	}
	room[sess.id] = sess
}

func (g *Gateway) teardown(sess *session) {
	g.mu.Lock()
	if room, ok := g.rooms[sess.docID]; ok {
		delete(room, sess.id)
		if len(room) == 0 {
			delete(g.rooms, sess.docID)
		}
	}
	g.mu.Unlock()

	sess.close()

	if err := g.store.Detach(context.Background(), sess.docID, sess.id); err != nil {
		g.logger.Error("session detach failed",
			zap.String("document_id", sess.docID.String()),
			zap.String("session_id", sess.id.String()),
			zap.Error(err))
	}
	g.awareness.Clear(sess.docID, sess.id)
	g.broadcastAwareness(sess.docID, sess.id, AwarenessUpdate{SessionID: sess.id.String(), Removed: true})
}

func (g *Gateway) enqueue(sess *session, frame outboundFrame) {
	select {
	case <-sess.closed:
		return
	default:
	}
	select {
	case sess.send <- frame:
	default:
		// Buffer full: the peer is too slow to keep up. Closing forces a
		// reconnect, after which the sync handshake repairs any gap.
		g.logger.Warn("session send buffer full, closing",
			zap.String("document_id", sess.docID.String()),
			zap.String("session_id", sess.id.String()))
		sess.close()
	}
}

func (g *Gateway) enqueueControl(sess *session, message ControlMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	g.enqueue(sess, outboundFrame{kind: websocket.TextMessage, data: payload})
}

func (g *Gateway) enqueueAwareness(sess *session, update AwarenessUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	g.enqueue(sess, outboundFrame{kind: websocket.BinaryMessage, data: EncodeFrame(ChannelAwareness, payload)})
}

func (g *Gateway) writeControlDirect(conn *websocket.Conn, message ControlMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(g.clock().Add(writeWait))   //nolint:errcheck
	conn.WriteMessage(websocket.TextMessage, payload) //nolint:errcheck
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.closed)
	})
}

func colorFor(sessionID document.SessionID) string {
	hasher := fnv.New32a()
	hasher.Write([]byte(sessionID)) //nolint:errcheck
	return sessionColors[int(hasher.Sum32())%len(sessionColors)]
}
