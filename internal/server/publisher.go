package server

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const noteChannelPrefix = "coedit:note:"

// NoteChannel derives the publish-subscribe channel name for a note.
func NoteChannel(noteID string) string {
	return noteChannelPrefix + noteID
}

// EventPublisher pushes serialized note messages to an external
// publish-subscribe transport so other instances can fan them out.
type EventPublisher interface {
	PublishNoteEvent(ctx context.Context, noteID string, payload []byte) error
}

type redisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher wraps a Redis client as an EventPublisher.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisPublisher{client: client, logger: logger}
}

func (p *redisPublisher) PublishNoteEvent(ctx context.Context, noteID string, payload []byte) error {
	if err := p.client.Publish(ctx, NoteChannel(noteID), payload).Err(); err != nil {
		p.logger.Warn("redis publish failed",
			zap.String("note_id", noteID),
			zap.Error(err))
		return err
	}
	return nil
}

type noopPublisher struct{}

// NewNoopPublisher returns a publisher that discards every message, used when
// no external transport is configured.
func NewNoopPublisher() EventPublisher {
	return noopPublisher{}
}

func (noopPublisher) PublishNoteEvent(context.Context, string, []byte) error {
	return nil
}
