package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Sink receives every annotated transcript a session emits.
type Sink interface {
	Deliver(ctx context.Context, event protocol.TranscriptEvent) error
}

// Lifecycle is implemented by sinks that track when sessions open and close.
type Lifecycle interface {
	SessionOpened(ctx context.Context, sessionID, source string, sampleRate int) error
	SessionClosed(ctx context.Context, sessionID string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event protocol.TranscriptEvent) error

func (f SinkFunc) Deliver(ctx context.Context, event protocol.TranscriptEvent) error {
	return f(ctx, event)
}

// BusSink publishes transcripts on scribe.transcript.partial and
// scribe.transcript.final.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (b *BusSink) Deliver(_ context.Context, event protocol.TranscriptEvent) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.PublishJSON(event.Subject(), event)
}

// StoreSink appends transcripts to the session timeline. Partials are only
// recorded when recordPartial is set.
type StoreSink struct {
	store         *eventstore.Store
	recordPartial bool
}

func NewStoreSink(store *eventstore.Store, recordPartial bool) *StoreSink {
	return &StoreSink{store: store, recordPartial: recordPartial}
}

func (s *StoreSink) Deliver(ctx context.Context, event protocol.TranscriptEvent) error {
	if s == nil || s.store == nil {
		return nil
	}
	if !event.Final && !s.recordPartial {
		return nil
	}
	if err := s.store.AppendTranscript(ctx, event); err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}
	return nil
}

func (s *StoreSink) SessionOpened(ctx context.Context, sessionID, source string, sampleRate int) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.AppendSession(ctx, sessionID, source, sampleRate); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return s.store.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeSessionStarted})
}

func (s *StoreSink) SessionClosed(ctx context.Context, sessionID string) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeSessionStopped})
}

// fanout delivers to every sink and joins their errors.
func fanout(ctx context.Context, sinks []Sink, event protocol.TranscriptEvent) error {
	var errs []error
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
