package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/document"
)

// CommentEvent notifies document sessions that the comment set changed and
// should be refetched. It carries no comment body.
type CommentEvent struct {
	DocumentID document.DocumentID
	CommentID  string
	Type       ControlType
	Timestamp  time.Time
}

// Notifier is a typed publish/subscribe channel scoped to documents, used to
// push comment-change control messages to live sessions.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[document.DocumentID]map[int64]*notifierSubscriber
	nextID      int64
	bufferSize  int
}

type notifierSubscriber struct {
	id     int64
	stream chan CommentEvent
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[document.DocumentID]map[int64]*notifierSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for events on one document until ctx is done or the
// returned cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context, docID document.DocumentID) (<-chan CommentEvent, func()) {
	if docID == "" {
		ch := make(chan CommentEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &notifierSubscriber{
		id:     n.nextSequence(),
		stream: make(chan CommentEvent, n.bufferSize),
	}
	n.registerSubscriber(docID, subscriber)
	cleanup := func() {
		n.unregisterSubscriber(docID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every subscriber of its document. Slow
// subscribers miss events rather than block the publisher.
func (n *Notifier) Publish(event CommentEvent) {
	if event.DocumentID == "" || event.Type == "" {
		return
	}
	n.mu.RLock()
	subscribers := n.subscribers[event.DocumentID]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*notifierSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) registerSubscriber(docID document.DocumentID, subscriber *notifierSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[docID]; !ok {
		n.subscribers[docID] = make(map[int64]*notifierSubscriber)
	}
	n.subscribers[docID][subscriber.id] = subscriber
}

func (n *Notifier) unregisterSubscriber(docID document.DocumentID, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[docID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, docID)
		}
	}
	n.mu.Unlock()
}
