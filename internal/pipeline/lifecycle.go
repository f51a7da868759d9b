package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"thumbsmith/internal/assetstore"
)

// Deleter removes a hosted asset. Satisfied by *assetstore.Client.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

type candidateState int

const (
	candidateRegistered candidateState = iota
	candidatePromoted
	candidateDiscarded
)

type candidateEntry struct {
	asset   assetstore.Asset
	stage   string
	attempt int
	state   candidateState
}

// Lifecycle tracks every hosted candidate created during a job. Rejected
// candidates are deleted to bound storage growth; the accepted (or
// best-effort) asset of each stage is promoted and survives the job. Each
// registered candidate sees exactly one promote or discard.
type Lifecycle struct {
	mu      sync.Mutex
	deleter Deleter
	logger  *slog.Logger
	entries map[string]*candidateEntry
	order   []string
}

func NewLifecycle(deleter Deleter, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Lifecycle{
		deleter: deleter,
		logger:  logger,
		entries: make(map[string]*candidateEntry),
	}
}

// Register records a hosted candidate. Registering an already-known asset is
// a no-op so fallback paths can hand back previously promoted assets.
func (l *Lifecycle) Register(a assetstore.Asset, stage string, attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[a.ID]; ok {
		return
	}
	l.entries[a.ID] = &candidateEntry{asset: a, stage: stage, attempt: attempt}
	l.order = append(l.order, a.ID)
}

// Promote marks an asset as surviving the job.
func (l *Lifecycle) Promote(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[id]; ok && e.state == candidateRegistered {
		e.state = candidatePromoted
	}
}

// Discard deletes a rejected candidate. Deletion is best-effort: a leaked
// remote object is a quality-of-service concern, not a correctness one, so
// failures are logged and never escalated. Discarding twice, or discarding a
// promoted asset, does nothing.
func (l *Lifecycle) Discard(ctx context.Context, id string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.state != candidateRegistered {
		l.mu.Unlock()
		return
	}
	e.state = candidateDiscarded
	l.mu.Unlock()

	if l.deleter == nil {
		return
	}
	if err := l.deleter.Delete(ctx, id); err != nil {
		l.logger.Warn("candidate delete failed", "asset", id, "stage", e.stage, "err", err)
	}
}

// DiscardPending discards every still-registered candidate of one stage.
// Invoked on cancellation at a stage boundary as a defensive backstop:
// runStage settles every candidate it registers before returning, so the
// sweep only finds work if a future change lets a stage exit with
// unsettled state.
func (l *Lifecycle) DiscardPending(ctx context.Context, stage string) {
	l.mu.Lock()
	var pending []string
	for id, e := range l.entries {
		if e.stage == stage && e.state == candidateRegistered {
			pending = append(pending, id)
		}
	}
	l.mu.Unlock()

	for _, id := range pending {
		l.Discard(ctx, id)
	}
}

// Counts returns how many candidates of a stage were registered, promoted,
// and discarded.
func (l *Lifecycle) Counts(stage string) (registered, promoted, discarded int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.stage != stage {
			continue
		}
		registered++
		switch e.state {
		case candidatePromoted:
			promoted++
		case candidateDiscarded:
			discarded++
		}
	}
	return registered, promoted, discarded
}
