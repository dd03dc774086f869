package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
)

func collaborationMessage(noteID, eventID string) NoteMessage {
	return NoteMessage{
		NoteID: noteID,
		Kind:   NoteMessageKindCollaboration,
		Collaboration: &collab.CollaborationEvent{
			EventID: eventID,
			Type:    collab.EventTypeUserJoined,
			NoteID:  noteID,
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestNoteBroadcasterDeliversToNoteSubscribers(t *testing.T) {
	broadcaster := NewNoteBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := broadcaster.Subscribe(ctx, "note-1")
	defer cleanupFirst()
	second, cleanupSecond := broadcaster.Subscribe(ctx, "note-1")
	defer cleanupSecond()

	broadcaster.Publish(collaborationMessage("note-1", "event-1"))

	for _, stream := range []<-chan NoteMessage{first, second} {
		select {
		case message := <-stream:
			if message.Collaboration == nil || message.Collaboration.EventID != "event-1" {
				t.Fatalf("unexpected message: %+v", message)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestNoteBroadcasterIsolatesNotes(t *testing.T) {
	broadcaster := NewNoteBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other, cleanup := broadcaster.Subscribe(ctx, "note-2")
	defer cleanup()

	broadcaster.Publish(collaborationMessage("note-1", "event-1"))

	select {
	case message := <-other:
		t.Fatalf("note-2 subscriber received foreign message: %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoteBroadcasterDropsMessagesForSlowSubscribers(t *testing.T) {
	broadcaster := NewNoteBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := broadcaster.Subscribe(ctx, "note-1")
	defer cleanup()

	// Overflow the buffer without draining; publishes must not block.
	done := make(chan struct{})
	go func() {
		for index := 0; index < 100; index++ {
			broadcaster.Publish(collaborationMessage("note-1", "event"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(stream) == 0 {
		t.Fatal("expected the buffer to retain messages")
	}
}

func TestNoteBroadcasterUnsubscribesOnContextCancel(t *testing.T) {
	broadcaster := NewNoteBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := broadcaster.Subscribe(ctx, "note-1")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		broadcaster.mu.RLock()
		remaining := len(broadcaster.subscribers["note-1"])
		broadcaster.mu.RUnlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription survived context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broadcaster.Publish(collaborationMessage("note-1", "event-after-cancel"))
	select {
	case message := <-stream:
		t.Fatalf("cancelled subscriber received message: %+v", message)
	default:
	}
}
