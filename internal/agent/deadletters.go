package agent

import (
	"context"

	"github.com/p-blackswan/domainsync/internal/outbox"
	"github.com/p-blackswan/domainsync/internal/store"
)

// DroppedAction is a queued action that exhausted its retries.
type DroppedAction = store.DeadLetter

// DeadLetterStore keeps dropped actions for inspection. *store.Store
// satisfies it through SQLiteDeadLetters.
type DeadLetterStore interface {
	SaveDropped(ctx context.Context, dl *DroppedAction) error
	ListDropped(ctx context.Context, limit int) ([]DroppedAction, error)
	Resolve(ctx context.Context, id string) error
}

// SQLiteDeadLetters adapts the SQLite store.
type SQLiteDeadLetters struct {
	Store *store.Store
}

func (s SQLiteDeadLetters) SaveDropped(ctx context.Context, dl *DroppedAction) error {
	return s.Store.SaveDeadLetter(ctx, dl)
}

func (s SQLiteDeadLetters) ListDropped(ctx context.Context, limit int) ([]DroppedAction, error) {
	dls, err := s.Store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DroppedAction, 0, len(dls))
	for _, dl := range dls {
		out = append(out, *dl)
	}
	return out, nil
}

func (s SQLiteDeadLetters) Resolve(ctx context.Context, id string) error {
	return s.Store.ResolveDeadLetter(ctx, id)
}

// deadLetterRecorder turns queue drops into dead letters.
type deadLetterRecorder struct {
	store DeadLetterStore
}

func (r deadLetterRecorder) RecordDropped(ctx context.Context, item outbox.Item, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.store.SaveDropped(ctx, &DroppedAction{
		ID:        item.ID,
		Action:    string(item.Action),
		Data:      string(item.Data),
		Origin:    string(item.Origin),
		Error:     msg,
		Retries:   item.Retries,
		CreatedAt: item.CreatedAt,
	})
}
