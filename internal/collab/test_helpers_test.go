package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

// fakeLoader serves seeds from memory and counts reads so tests can assert
// when sessions are re-seeded.
type fakeLoader struct {
	mu    sync.Mutex
	seeds map[string]SeededNote
	loads map[string]int
	err   error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		seeds: make(map[string]SeededNote),
		loads: make(map[string]int),
	}
}

func (l *fakeLoader) put(noteID string, seed SeededNote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seeds[noteID] = seed
}

func (l *fakeLoader) loadCount(noteID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[noteID]
}

func (l *fakeLoader) LoadNote(_ context.Context, noteID string) (SeededNote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[noteID]++
	if l.err != nil {
		return SeededNote{}, l.err
	}
	seed, present := l.seeds[noteID]
	if !present {
		return SeededNote{}, fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	return seed, nil
}

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.next++
	return fmt.Sprintf("event-%d", g.next), nil
}

func newTestStore(t *testing.T, loader NoteLoader) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Loader:     loader,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func profileFor(userID string) UserProfile {
	return UserProfile{
		UserID:    userID,
		Email:     userID + "@example.com",
		FirstName: "Test",
		LastName:  userID,
	}
}

var errSeedUnavailable = errors.New("seed backend unavailable")
