package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"thumbsmith/internal/assetstore"
	"thumbsmith/internal/gemini"
	"thumbsmith/internal/geometry"
	"thumbsmith/internal/phash"
	"thumbsmith/internal/prompt"
	"thumbsmith/internal/verdict"
)

// Policy decides what a stage does when the reviewer cannot be consulted
// (service unavailable or unparseable output).
type Policy string

const (
	// PolicyStrict treats an unreachable reviewer as a rejection.
	PolicyStrict Policy = "strict"
	// PolicyPermissive accepts the candidate with a caveat in the method label.
	PolicyPermissive Policy = "permissive"
)

// Generator is the generative model collaborator. Satisfied by *gemini.Client.
type Generator interface {
	GenerateImage(ctx context.Context, req gemini.GenerateRequest) (gemini.ImageResult, error)
	Review(ctx context.Context, req gemini.ReviewRequest) (string, error)
}

// Store is the hosting/transform collaborator. Satisfied by *assetstore.Client.
type Store interface {
	Upload(ctx context.Context, name string, data []byte, mimeType string) (assetstore.Asset, error)
	Delete(ctx context.Context, id string) error
	Compose(ctx context.Context, req assetstore.ComposeRequest) (assetstore.Asset, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Config carries every tunable of the orchestration: attempt budgets and
// fallback chains (Table), clamp bounds (Limits), the similarity floor, and
// the reviewer-unavailable policy. Built once at startup, passed by value.
type Config struct {
	Table             Table
	Limits            geometry.Limits
	RefCanvas         geometry.Size
	SimilarityMin     float64
	SimilarityRegions []phash.Region
	ReviewPolicy      Policy
	StageTimeout      time.Duration
	AspectRatio       string
}

func DefaultConfig() Config {
	return Config{
		Table:         DefaultTable(),
		Limits:        geometry.DefaultLimits(),
		RefCanvas:     geometry.Size{W: 1280, H: 720},
		SimilarityMin: 0.55,
		SimilarityRegions: []phash.Region{
			{Name: "face", X: 0.2, Y: 0.05, W: 0.6, H: 0.5},
			{Name: "full", X: 0, Y: 0, W: 1, H: 1},
		},
		ReviewPolicy: PolicyStrict,
		StageTimeout: 10 * time.Minute,
		AspectRatio:  "16:9",
	}
}

type Options struct {
	Generator Generator
	Store     Store
	Logger    *slog.Logger
	Config    Config
}

// Runner executes jobs. It is stateless across jobs and safe for concurrent
// use; all per-job state lives in a jobRun.
type Runner struct {
	gen    Generator
	store  Store
	logger *slog.Logger
	cfg    Config
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := opts.Config
	if len(cfg.Table.Stages) == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}

	return &Runner{
		gen:    opts.Generator,
		store:  opts.Store,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Job is one end-to-end request to produce a composed preview.
type Job struct {
	ID          string
	SubjectPath string
	ObjectPath  string
	Context     string
	OutDir      string
}

// Result describes the final artifact and which path produced it. Method is
// observability only, never control flow.
type Result struct {
	LocalPath string
	URL       string
	Width     int
	Height    int
	Method    string
}

// jobRun is the per-job state: input bytes, accumulated corrections, and the
// candidate ledger. It owns its working directory exclusively.
type jobRun struct {
	job       Job
	cfg       Config
	gen       Generator
	store     Store
	logger    *slog.Logger
	lifecycle *Lifecycle
	workDir   string

	subjectData []byte
	subjectMime string
	objectData  []byte
	objectMime  string

	wardrobeRevised string
	productRevised  string
	tweak           geometry.Tweak
}

// Run executes the full pipeline for one job. Missing inputs are fatal and
// surface immediately; stage-level failures are absorbed by fallbacks, and
// only the terminal composite stage failing without a usable fallback fails
// the job.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.OutDir == "" {
		job.OutDir = "out"
	}

	j := &jobRun{
		job:       job,
		cfg:       r.cfg,
		gen:       r.gen,
		store:     r.store,
		logger:    r.logger.With("job", job.ID),
		lifecycle: NewLifecycle(r.store, r.logger),
		tweak:     geometry.NewTweak(),
	}

	if err := j.loadInputs(); err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(job.OutDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}
	workDir, err := os.MkdirTemp(job.OutDir, job.ID+"-work-")
	if err != nil {
		return Result{}, fmt.Errorf("create working directory: %w", err)
	}
	j.workDir = workDir
	defer os.RemoveAll(workDir)

	j.logger.Info("job started", "context", job.Context)

	wardrobe, err := j.runWardrobe(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := j.checkpoint(ctx, StageWardrobe); err != nil {
		return Result{}, err
	}

	product, err := j.runProduct(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := j.checkpoint(ctx, StageProduct); err != nil {
		return Result{}, err
	}

	composite, err := j.runComposite(ctx, wardrobe.Output, product.Output)
	if err != nil {
		return Result{}, err
	}

	return j.finish(wardrobe, product, composite)
}

func (j *jobRun) loadInputs() error {
	var err error
	j.subjectData, j.subjectMime, err = readImage(j.job.SubjectPath)
	if err != nil {
		return fmt.Errorf("subject asset: %w", err)
	}
	j.objectData, j.objectMime, err = readImage(j.job.ObjectPath)
	if err != nil {
		return fmt.Errorf("object asset: %w", err)
	}
	return nil
}

// checkpoint enforces cancellation at stage boundaries. Mid-attempt
// cancellation is deliberately not honored: an in-flight external call cannot
// be aborted without leaking remote state.
func (j *jobRun) checkpoint(ctx context.Context, completedStage string) error {
	if err := ctx.Err(); err != nil {
		j.lifecycle.DiscardPending(context.WithoutCancel(ctx), completedStage)
		return fmt.Errorf("job cancelled after stage %s: %w", completedStage, err)
	}
	return nil
}

func (j *jobRun) runWardrobe(ctx context.Context) (StageResult, error) {
	spec, _ := j.cfg.Table.Stage(StageWardrobe)

	subjectRef := gemini.Reference{Data: j.subjectData, MimeType: j.subjectMime, Tag: "subject"}

	hooks := stageHooks{
		generate: func(ctx context.Context, at Attempt) (StageOutput, error) {
			img, err := j.gen.GenerateImage(ctx, gemini.GenerateRequest{
				Prompt:      prompt.Wardrobe(j.job.Context, j.wardrobeRevised),
				References:  []gemini.Reference{subjectRef},
				AspectRatio: j.cfg.AspectRatio,
				Seed:        at.Seed,
			})
			if err != nil {
				return StageOutput{}, err
			}
			return j.hostCandidate(ctx, StageWardrobe, at, img)
		},
		review: func(ctx context.Context, out StageOutput, at Attempt) (verdict.Verdict, error) {
			return j.review(ctx, gemini.ReviewRequest{
				Instruction:  prompt.ReviewWardrobe(j.job.Context, at.Index),
				Candidate:    gemini.Reference{Data: out.Data, MimeType: out.Mime, Tag: "candidate"},
				References:   []gemini.Reference{subjectRef},
				AttemptIndex: at.Index,
			})
		},
		correct: func(c *verdict.Correction) {
			if c.RevisedPrompt != "" {
				j.wardrobeRevised = c.RevisedPrompt
			}
		},
		gate: func(out StageOutput) (float64, bool) {
			return j.similarityToSubject(out.Data)
		},
		fallbacks: j.fallbacksFor(spec, j.subjectData, j.subjectMime),
	}

	return j.runStage(ctx, spec, hooks)
}

func (j *jobRun) runProduct(ctx context.Context) (StageResult, error) {
	spec, _ := j.cfg.Table.Stage(StageProduct)

	objectRef := gemini.Reference{Data: j.objectData, MimeType: j.objectMime, Tag: "object"}

	hooks := stageHooks{
		generate: func(ctx context.Context, at Attempt) (StageOutput, error) {
			img, err := j.gen.GenerateImage(ctx, gemini.GenerateRequest{
				Prompt:     prompt.ProductShot(j.job.Context, j.productRevised),
				References: []gemini.Reference{objectRef},
				Seed:       at.Seed,
			})
			if err != nil {
				return StageOutput{}, err
			}
			return j.hostCandidate(ctx, StageProduct, at, img)
		},
		review: func(ctx context.Context, out StageOutput, at Attempt) (verdict.Verdict, error) {
			return j.review(ctx, gemini.ReviewRequest{
				Instruction:  prompt.ReviewProduct(at.Index),
				Candidate:    gemini.Reference{Data: out.Data, MimeType: out.Mime, Tag: "candidate"},
				References:   []gemini.Reference{objectRef},
				AttemptIndex: at.Index,
			})
		},
		correct: func(c *verdict.Correction) {
			if c.RevisedPrompt != "" {
				j.productRevised = c.RevisedPrompt
			}
		},
		fallbacks: j.fallbacksFor(spec, j.objectData, j.objectMime),
	}

	return j.runStage(ctx, spec, hooks)
}

func (j *jobRun) runComposite(ctx context.Context, base, overlay StageOutput) (StageResult, error) {
	spec, _ := j.cfg.Table.Stage(StageComposite)

	target, err := j.canvasOf(base)
	if err != nil {
		return StageResult{}, err
	}

	subjectRef := gemini.Reference{Data: j.subjectData, MimeType: j.subjectMime, Tag: "subject"}
	objectRef := gemini.Reference{Data: j.objectData, MimeType: j.objectMime, Tag: "object"}

	// Hosting happens lazily inside the attempt so a store outage spends the
	// stage's budget and reaches the fallback chain instead of failing the
	// job outright.
	baseAsset := base.Asset
	overlayAsset := overlay.Asset

	var lastPlacement geometry.Rect

	hooks := stageHooks{
		generate: func(ctx context.Context, at Attempt) (StageOutput, error) {
			if baseAsset == nil {
				a, err := j.hostInput(ctx, StageComposite, "base", base)
				if err != nil {
					return StageOutput{}, fmt.Errorf("host base asset: %w", err)
				}
				baseAsset = &a
			}
			if overlayAsset == nil {
				a, err := j.hostInput(ctx, StageComposite, "overlay", overlay)
				if err != nil {
					return StageOutput{}, fmt.Errorf("host overlay asset: %w", err)
				}
				overlayAsset = &a
			}

			lastPlacement = geometry.Resolve(*spec.Placement, j.cfg.RefCanvas, target, j.tweak, j.cfg.Limits)

			asset, err := j.store.Compose(ctx, assetstore.ComposeRequest{
				Name:             j.assetName(StageComposite, at.Index),
				BaseID:           baseAsset.ID,
				OverlayID:        overlayAsset.ID,
				RemoveBackground: true,
				Effects:          []string{"soft-shadow"},
				Placement:        lastPlacement,
				Format:           "png",
			})
			if err != nil {
				return StageOutput{}, err
			}

			data, err := j.store.Download(ctx, asset.URL)
			if err != nil {
				return StageOutput{}, fmt.Errorf("download composite: %w", err)
			}
			return StageOutput{Data: data, Mime: "image/png", Asset: &asset}, nil
		},
		review: func(ctx context.Context, out StageOutput, at Attempt) (verdict.Verdict, error) {
			return j.review(ctx, gemini.ReviewRequest{
				Instruction:  prompt.ReviewComposite(lastPlacement, j.cfg.RefCanvas, at.Index),
				Candidate:    gemini.Reference{Data: out.Data, MimeType: out.Mime, Tag: "candidate"},
				References:   []gemini.Reference{subjectRef, objectRef},
				AttemptIndex: at.Index,
			})
		},
		correct: func(c *verdict.Correction) {
			j.tweak = j.tweak.Apply(geometry.Delta{
				DX:       c.DX,
				DY:       c.DY,
				ScaleMul: c.ScaleMul,
			}, j.cfg.Limits)
		},
		fallbacks: j.compositeFallbacks(spec, base, func() *assetstore.Asset { return baseAsset }),
	}

	return j.runStage(ctx, spec, hooks)
}

// hostCandidate uploads a freshly generated image under a job-and-attempt
// scoped name so concurrent jobs never collide in the shared namespace.
func (j *jobRun) hostCandidate(ctx context.Context, stage string, at Attempt, img gemini.ImageResult) (StageOutput, error) {
	asset, err := j.store.Upload(ctx, j.assetName(stage, at.Index), img.Data, img.MimeType)
	if err != nil {
		return StageOutput{}, fmt.Errorf("upload candidate: %w", err)
	}

	// Keep a local copy of every candidate in the job's working directory;
	// the directory is released when the job returns.
	if j.workDir != "" {
		name := fmt.Sprintf("%s-attempt-%d%s", stage, at.Index, extFor(img.MimeType))
		if err := os.WriteFile(filepath.Join(j.workDir, name), img.Data, 0o644); err != nil {
			j.logger.Warn("candidate snapshot failed", "stage", stage, "attempt", at.Index, "err", err)
		}
	}

	return StageOutput{Data: img.Data, Mime: img.MimeType, Asset: &asset}, nil
}

func extFor(mimeType string) string {
	if mimeType == "image/jpeg" {
		return ".jpg"
	}
	return ".png"
}

func (j *jobRun) review(ctx context.Context, req gemini.ReviewRequest) (verdict.Verdict, error) {
	raw, err := j.gen.Review(ctx, req)
	if err != nil {
		return verdict.Verdict{}, err
	}
	return verdict.Parse(raw)
}

func (j *jobRun) similarityToSubject(candidate []byte) (float64, bool) {
	ref, err := phash.Decode(j.subjectData)
	if err != nil {
		return 0, false
	}
	cand, err := phash.Decode(candidate)
	if err != nil {
		return 0, false
	}
	return phash.Compare(ref, cand, j.cfg.SimilarityRegions)
}

// fallbacksFor builds the degraded-strategy chain for a generation stage
// from its configured names.
func (j *jobRun) fallbacksFor(spec StageSpec, rawData []byte, rawMime string) []fallbackStrategy {
	var out []fallbackStrategy
	for _, name := range spec.Fallbacks {
		switch name {
		case FallbackReuseInput:
			out = append(out, fallbackStrategy{
				name: FallbackReuseInput,
				run: func(ctx context.Context) (StageOutput, error) {
					return StageOutput{Data: rawData, Mime: rawMime}, nil
				},
			})
		case FallbackUploadRaw:
			stage := spec.Name
			out = append(out, fallbackStrategy{
				name: FallbackUploadRaw,
				run: func(ctx context.Context) (StageOutput, error) {
					asset, err := j.store.Upload(ctx, j.assetName(stage, 0)+"-raw", rawData, rawMime)
					if err != nil {
						return StageOutput{}, fmt.Errorf("upload raw input: %w", err)
					}
					return StageOutput{Data: rawData, Mime: rawMime, Asset: &asset}, nil
				},
			})
		}
	}
	return out
}

func (j *jobRun) compositeFallbacks(spec StageSpec, base StageOutput, hostedBase func() *assetstore.Asset) []fallbackStrategy {
	var out []fallbackStrategy
	for _, name := range spec.Fallbacks {
		if name != FallbackOmitOverlay {
			continue
		}
		out = append(out, fallbackStrategy{
			name: FallbackOmitOverlay,
			run: func(ctx context.Context) (StageOutput, error) {
				// Ship the prior stage's output with the overlay omitted
				// entirely rather than failing the job. The hosted copy is
				// used when an attempt managed to upload one; otherwise the
				// local bytes alone carry the result.
				return StageOutput{Data: base.Data, Mime: base.Mime, Asset: hostedBase()}, nil
			},
		})
	}
	return out
}

// hostInput uploads a stage output that only exists locally (a fallback
// that reused raw input) so the composite service can reference it.
func (j *jobRun) hostInput(ctx context.Context, stage, role string, out StageOutput) (assetstore.Asset, error) {
	asset, err := j.store.Upload(ctx, fmt.Sprintf("%s/%s/%s", j.job.ID, stage, role), out.Data, out.Mime)
	if err != nil {
		return assetstore.Asset{}, err
	}
	j.lifecycle.Register(asset, stage, 0)
	j.lifecycle.Promote(asset.ID)
	return asset, nil
}

func (j *jobRun) canvasOf(base StageOutput) (geometry.Size, error) {
	if base.Asset != nil && base.Asset.Width > 0 && base.Asset.Height > 0 {
		return geometry.Size{W: float64(base.Asset.Width), H: float64(base.Asset.Height)}, nil
	}
	img, err := phash.Decode(base.Data)
	if err != nil {
		return geometry.Size{}, fmt.Errorf("measure base canvas: %w", err)
	}
	b := img.Bounds()
	return geometry.Size{W: float64(b.Dx()), H: float64(b.Dy())}, nil
}

func (j *jobRun) assetName(stage string, attempt int) string {
	return fmt.Sprintf("%s/%s/attempt-%d", j.job.ID, stage, attempt)
}

func (j *jobRun) finish(wardrobe, product, composite StageResult) (Result, error) {
	out := composite.Output

	localPath := filepath.Join(j.job.OutDir, j.job.ID+extFor(out.Mime))
	if err := os.WriteFile(localPath, out.Data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write final asset: %w", err)
	}

	width, height := 0, 0
	var url string
	if out.Asset != nil {
		url = out.Asset.URL
		width, height = out.Asset.Width, out.Asset.Height
	}
	if width == 0 || height == 0 {
		if img, err := phash.Decode(out.Data); err == nil {
			b := img.Bounds()
			width, height = b.Dx(), b.Dy()
		}
	}

	method := strings.Join([]string{
		StageWardrobe + "=" + wardrobe.Method,
		StageProduct + "=" + product.Method,
		StageComposite + "=" + composite.Method,
	}, ",")

	j.logger.Info("job finished", "method", method, "path", localPath)

	return Result{
		LocalPath: localPath,
		URL:       url,
		Width:     width,
		Height:    height,
		Method:    method,
	}, nil
}

func readImage(path string) ([]byte, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", errors.New("path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%s is empty", path)
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("%s is not an image (%s)", path, mimeType)
	}
	return data, mimeType, nil
}
