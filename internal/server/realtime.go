package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
)

const (
	// NoteMessageKindCollaboration carries presence and typing events.
	NoteMessageKindCollaboration = "collaboration"
	// NoteMessageKindEdit carries edit results, including conflicts.
	NoteMessageKindEdit = "edit"
	// NoteMessageKindCursor carries cursor updates.
	NoteMessageKindCursor = "cursor"
)

// NoteMessage is the fanout envelope for one note's subscribers. Exactly one
// of the payload pointers is set, matching Kind.
type NoteMessage struct {
	NoteID        string                     `json:"note_id"`
	Kind          string                     `json:"kind"`
	Collaboration *collab.CollaborationEvent `json:"collaboration,omitempty"`
	Edit          *collab.EditResult         `json:"edit,omitempty"`
	Cursor        *collab.CursorPosition     `json:"cursor,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// NoteBroadcaster fans NoteMessages out to the in-process subscribers of a
// note channel. Slow subscribers are skipped rather than blocking the
// publisher.
type NoteBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*noteSubscriber
	nextID      int64
	bufferSize  int
}

type noteSubscriber struct {
	id     int64
	stream chan NoteMessage
}

// NewNoteBroadcaster constructs a broadcaster with a small per-subscriber buffer.
func NewNoteBroadcaster() *NoteBroadcaster {
	return &NoteBroadcaster{
		subscribers: make(map[string]map[int64]*noteSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a listener for one note's events. The subscription is
// released when ctx is done or the cleanup function is called.
func (b *NoteBroadcaster) Subscribe(ctx context.Context, noteID string) (<-chan NoteMessage, func()) {
	if noteID == "" {
		ch := make(chan NoteMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &noteSubscriber{
		id:     b.nextSequence(),
		stream: make(chan NoteMessage, b.bufferSize),
	}
	b.registerSubscriber(noteID, subscriber)
	cleanup := func() {
		b.unregisterSubscriber(noteID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every current subscriber of its note.
func (b *NoteBroadcaster) Publish(message NoteMessage) {
	if message.NoteID == "" || message.Kind == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[message.NoteID]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*noteSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (b *NoteBroadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *NoteBroadcaster) registerSubscriber(noteID string, subscriber *noteSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[noteID]; !ok {
		b.subscribers[noteID] = make(map[int64]*noteSubscriber)
	}
	b.subscribers[noteID][subscriber.id] = subscriber
}

func (b *NoteBroadcaster) unregisterSubscriber(noteID string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[noteID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, noteID)
		}
	}
	b.mu.Unlock()
}
