package pipeline

import (
	"context"
	"fmt"

	"thumbsmith/internal/assetstore"
	"thumbsmith/internal/verdict"
)

// Attempt identifies one generate-review cycle within a stage.
type Attempt struct {
	Index int
	Seed  int64
}

// StageOutput is what a stage hands to the next one: the image bytes, and the
// hosted copy when one exists. Fallbacks that reuse a local input leave Asset
// nil; nothing was registered for them.
type StageOutput struct {
	Data  []byte
	Mime  string
	Asset *assetstore.Asset
}

// StageResult is the outcome of runStage.
type StageResult struct {
	Output   StageOutput
	Method   string
	Accepted bool
}

type fallbackStrategy struct {
	name string
	run  func(ctx context.Context) (StageOutput, error)
}

// stageHooks plug a concrete stage into the generic retry driver. generate
// produces and hosts a candidate; review judges it; correct folds a reviewer
// correction into per-stage state for the next attempt; gate is the optional
// local integrity check applied after reviewer acceptance.
type stageHooks struct {
	generate  func(ctx context.Context, at Attempt) (StageOutput, error)
	review    func(ctx context.Context, out StageOutput, at Attempt) (verdict.Verdict, error)
	correct   func(c *verdict.Correction)
	gate      func(out StageOutput) (float64, bool)
	fallbacks []fallbackStrategy
}

// runStage drives one stage through its bounded retry loop:
// generate -> register -> review -> accept, adjust, or retry. When the budget
// is exhausted the fallback chain supplies a degraded substitute; only an
// empty or fully failed chain makes runStage return an error. Every
// non-final candidate is discarded exactly once.
func (j *jobRun) runStage(ctx context.Context, spec StageSpec, hooks stageHooks) (StageResult, error) {
	stageCtx := ctx
	if j.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, j.cfg.StageTimeout)
		defer cancel()
	}

	state := Next(StatePending, EventStart)
	var lastRejected *assetstore.Asset

	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		at := Attempt{Index: attempt, Seed: Seed(j.job.ID, spec.Name, attempt)}

		out, err := hooks.generate(stageCtx, at)
		if err != nil {
			// Transport or service failure: this attempt is spent, no
			// review happens for it.
			j.logger.Warn("generation attempt failed",
				"job", j.job.ID, "stage", spec.Name, "attempt", attempt, "err", err)
			state = Next(state, EventGenerateFailed)
			if attempt < spec.MaxAttempts {
				state = Next(state, EventRetry)
			}
			continue
		}
		state = Next(state, EventGenerated)

		if out.Asset != nil {
			j.lifecycle.Register(*out.Asset, spec.Name, attempt)
		}

		v, reviewErr := hooks.review(stageCtx, out, at)
		if reviewErr != nil {
			if j.cfg.ReviewPolicy == PolicyPermissive {
				j.logger.Warn("reviewer unavailable, accepting with caveat",
					"job", j.job.ID, "stage", spec.Name, "attempt", attempt, "err", reviewErr)
				state = Next(state, EventAccepted)
				if out.Asset != nil {
					j.lifecycle.Promote(out.Asset.ID)
				}
				return StageResult{
					Output:   out,
					Method:   fmt.Sprintf("unreviewed:%d", attempt),
					Accepted: true,
				}, nil
			}
			v = verdict.Verdict{Accept: false, Reason: "reviewer unavailable: " + reviewErr.Error()}
		}

		if v.Accept && hooks.gate != nil {
			if score, ok := hooks.gate(out); ok && score < j.cfg.SimilarityMin {
				// Integrity violation overrides the reviewer.
				v = verdict.Verdict{
					Accept: false,
					Reason: fmt.Sprintf("similarity %.3f below minimum %.3f", score, j.cfg.SimilarityMin),
				}
			}
		}

		if v.Accept {
			state = Next(state, EventAccepted)
			if out.Asset != nil {
				j.lifecycle.Promote(out.Asset.ID)
			}
			j.logger.Info("stage accepted",
				"job", j.job.ID, "stage", spec.Name, "attempt", attempt, "state", state.String())
			return StageResult{
				Output:   out,
				Method:   fmt.Sprintf("generated:%d", attempt),
				Accepted: true,
			}, nil
		}

		state = Next(state, EventRejected)
		j.logger.Info("attempt rejected",
			"job", j.job.ID, "stage", spec.Name, "attempt", attempt, "reason", v.Reason)

		if v.Correction != nil && hooks.correct != nil {
			hooks.correct(v.Correction)
		}

		if attempt < spec.MaxAttempts {
			if out.Asset != nil {
				j.lifecycle.Discard(ctx, out.Asset.ID)
			}
			state = Next(state, EventRetry)
		} else {
			// The last rejected candidate is kept until the fallback chain
			// decides what replaces it.
			lastRejected = out.Asset
		}
	}

	state = Next(state, EventExhausted)
	state = Next(state, EventFallback)

	var lastErr error
	for _, fb := range hooks.fallbacks {
		out, err := fb.run(ctx)
		if err != nil {
			j.logger.Warn("fallback failed",
				"job", j.job.ID, "stage", spec.Name, "fallback", fb.name, "err", err)
			lastErr = err
			continue
		}

		if lastRejected != nil && (out.Asset == nil || out.Asset.ID != lastRejected.ID) {
			j.lifecycle.Discard(ctx, lastRejected.ID)
		}
		if out.Asset != nil {
			j.lifecycle.Register(*out.Asset, spec.Name, 0)
			j.lifecycle.Promote(out.Asset.ID)
		}

		j.logger.Info("stage fell back",
			"job", j.job.ID, "stage", spec.Name, "fallback", fb.name, "state", state.String())
		return StageResult{
			Output:   out,
			Method:   "fallback:" + fb.name,
			Accepted: false,
		}, nil
	}

	if lastRejected != nil {
		j.lifecycle.Discard(ctx, lastRejected.ID)
	}
	if lastErr != nil {
		return StageResult{}, fmt.Errorf("stage %s: retries and fallbacks exhausted: %w", spec.Name, lastErr)
	}
	return StageResult{}, fmt.Errorf("stage %s: retries exhausted and no fallback configured", spec.Name)
}
