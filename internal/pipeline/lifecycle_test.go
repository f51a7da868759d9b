package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"thumbsmith/internal/assetstore"
)

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *recordingDeleter) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	return d.err
}

func asset(id string) assetstore.Asset {
	return assetstore.Asset{ID: id, URL: "https://cdn.test/" + id}
}

func TestLifecycleDiscardDeletesOnce(t *testing.T) {
	d := &recordingDeleter{}
	l := NewLifecycle(d, nil)

	l.Register(asset("a1"), StageWardrobe, 1)
	l.Discard(context.Background(), "a1")
	l.Discard(context.Background(), "a1")

	assert.Equal(t, []string{"a1"}, d.deleted)
}

func TestLifecyclePromotedAssetIsNeverDeleted(t *testing.T) {
	d := &recordingDeleter{}
	l := NewLifecycle(d, nil)

	l.Register(asset("a1"), StageWardrobe, 1)
	l.Promote("a1")
	l.Discard(context.Background(), "a1")
	l.DiscardPending(context.Background(), StageWardrobe)

	assert.Empty(t, d.deleted)
}

func TestLifecycleDeleteFailureIsAbsorbed(t *testing.T) {
	d := &recordingDeleter{err: errors.New("service down")}
	l := NewLifecycle(d, nil)

	l.Register(asset("a1"), StageProduct, 1)
	l.Discard(context.Background(), "a1")

	// Failed delete still counts as discarded; no retry on repeat calls.
	l.Discard(context.Background(), "a1")
	assert.Equal(t, []string{"a1"}, d.deleted)

	_, _, discarded := l.Counts(StageProduct)
	assert.Equal(t, 1, discarded)
}

func TestLifecycleRegisterIsIdempotent(t *testing.T) {
	l := NewLifecycle(nil, nil)

	l.Register(asset("a1"), StageWardrobe, 1)
	l.Promote("a1")
	l.Register(asset("a1"), StageWardrobe, 2)

	registered, promoted, _ := l.Counts(StageWardrobe)
	assert.Equal(t, 1, registered)
	assert.Equal(t, 1, promoted)
}

func TestLifecycleDiscardPendingScopedToStage(t *testing.T) {
	d := &recordingDeleter{}
	l := NewLifecycle(d, nil)

	l.Register(asset("w1"), StageWardrobe, 1)
	l.Register(asset("w2"), StageWardrobe, 2)
	l.Register(asset("p1"), StageProduct, 1)
	l.Promote("w2")

	l.DiscardPending(context.Background(), StageWardrobe)

	assert.ElementsMatch(t, []string{"w1"}, d.deleted)

	registered, promoted, discarded := l.Counts(StageWardrobe)
	assert.Equal(t, 2, registered)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, discarded)

	registered, _, discarded = l.Counts(StageProduct)
	assert.Equal(t, 1, registered)
	assert.Zero(t, discarded)
}
