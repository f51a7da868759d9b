package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thumbsmith/internal/assetstore"
	"thumbsmith/internal/gemini"
	"thumbsmith/internal/geometry"
)

// --- fakes ---

type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	uploads  []string // names, in order
	deletes  []string // ids, in order
	byName   map[string]assetstore.Asset
	composes []assetstore.ComposeRequest
	payloads map[string][]byte // url -> bytes served by Download

	compositeData []byte
	composeErr    error
	uploadErr     error
}

func newFakeStore(compositeData []byte) *fakeStore {
	return &fakeStore{
		byName:        make(map[string]assetstore.Asset),
		payloads:      make(map[string][]byte),
		compositeData: compositeData,
	}
}

func (s *fakeStore) Upload(_ context.Context, name string, data []byte, _ string) (assetstore.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadErr != nil {
		return assetstore.Asset{}, s.uploadErr
	}

	s.nextID++
	a := assetstore.Asset{
		ID:     fmt.Sprintf("ast_%d", s.nextID),
		URL:    fmt.Sprintf("https://cdn.test/ast_%d", s.nextID),
		Width:  1280,
		Height: 720,
	}
	s.uploads = append(s.uploads, name)
	s.byName[name] = a
	s.payloads[a.URL] = data
	return a, nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) Compose(_ context.Context, req assetstore.ComposeRequest) (assetstore.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.composeErr != nil {
		return assetstore.Asset{}, s.composeErr
	}

	s.composes = append(s.composes, req)
	s.nextID++
	a := assetstore.Asset{
		ID:     fmt.Sprintf("drv_%d", s.nextID),
		URL:    fmt.Sprintf("https://cdn.test/drv_%d", s.nextID),
		Width:  1280,
		Height: 720,
	}
	s.payloads[a.URL] = s.compositeData
	return a, nil
}

func (s *fakeStore) Download(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.payloads[url]
	if !ok {
		return nil, fmt.Errorf("unknown url %s", url)
	}
	return data, nil
}

func (s *fakeStore) uploadsFor(stage string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.uploads {
		if strings.Contains(name, "/"+stage+"/") {
			out = append(out, name)
		}
	}
	return out
}

// fakeGenerator scripts generation output and review verdicts per stage.
// Stages are told apart by markers the prompt builders always include.
type fakeGenerator struct {
	mu sync.Mutex

	wardrobeData []byte
	productData  []byte
	generateErr  map[string]error // stage -> error for all attempts

	verdicts     map[string][]string // stage -> raw review responses, consumed in order
	reviewErr    map[string]error
	genCalls     map[string]int
	reviewCalls  map[string]int
	seenSeeds    map[string][]int64
	seenPrompts  map[string][]string
}

func newFakeGenerator(wardrobeData, productData []byte) *fakeGenerator {
	return &fakeGenerator{
		wardrobeData: wardrobeData,
		productData:  productData,
		generateErr:  make(map[string]error),
		verdicts:     make(map[string][]string),
		reviewErr:    make(map[string]error),
		genCalls:     make(map[string]int),
		reviewCalls:  make(map[string]int),
		seenSeeds:    make(map[string][]int64),
		seenPrompts:  make(map[string][]string),
	}
}

func stageOfGenerate(req gemini.GenerateRequest) string {
	for _, ref := range req.References {
		switch ref.Tag {
		case "subject":
			return StageWardrobe
		case "object":
			return StageProduct
		}
	}
	return "unknown"
}

func stageOfReview(p string) string {
	switch {
	case strings.Contains(p, "wardrobe adjustment"):
		return StageWardrobe
	case strings.Contains(p, "product isolation"):
		return StageProduct
	case strings.Contains(p, "automated composite"):
		return StageComposite
	}
	return "unknown"
}

func (g *fakeGenerator) GenerateImage(_ context.Context, req gemini.GenerateRequest) (gemini.ImageResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage := stageOfGenerate(req)
	g.genCalls[stage]++
	g.seenSeeds[stage] = append(g.seenSeeds[stage], req.Seed)
	g.seenPrompts[stage] = append(g.seenPrompts[stage], req.Prompt)

	if err := g.generateErr[stage]; err != nil {
		return gemini.ImageResult{}, err
	}

	data := g.wardrobeData
	if stage == StageProduct {
		data = g.productData
	}
	return gemini.ImageResult{Data: data, MimeType: "image/png"}, nil
}

func (g *fakeGenerator) Review(_ context.Context, req gemini.ReviewRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage := stageOfReview(req.Instruction)
	g.reviewCalls[stage]++

	if err := g.reviewErr[stage]; err != nil {
		return "", err
	}

	queue := g.verdicts[stage]
	if len(queue) == 0 {
		return `{"accept": true, "reason": "default accept"}`, nil
	}
	raw := queue[0]
	g.verdicts[stage] = queue[1:]
	return raw, nil
}

// --- helpers ---

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func smoothImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x*128/w + y*64/h)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func noisyImage(w, h int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255,
			})
		}
	}
	return img
}

type fixture struct {
	gen   *fakeGenerator
	store *fakeStore
	job   Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	subject := encodePNG(t, smoothImage(320, 180))
	object := encodePNG(t, smoothImage(160, 160))

	subjectPath := filepath.Join(dir, "subject.png")
	objectPath := filepath.Join(dir, "object.png")
	require.NoError(t, os.WriteFile(subjectPath, subject, 0o644))
	require.NoError(t, os.WriteFile(objectPath, object, 0o644))

	return &fixture{
		gen:   newFakeGenerator(subject, object),
		store: newFakeStore(encodePNG(t, smoothImage(1280, 720))),
		job: Job{
			ID:          "job-test",
			SubjectPath: subjectPath,
			ObjectPath:  objectPath,
			Context:     "quarterly earnings",
			OutDir:      filepath.Join(dir, "out"),
		},
	}
}

func newRunner(t *testing.T, f *fixture, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(Options{Generator: f.gen, Store: f.store, Config: cfg})
	require.NoError(t, err)
	return r
}

// --- tests ---

func TestSeedDeterministic(t *testing.T) {
	a := Seed("job-1", StageWardrobe, 2)
	b := Seed("job-1", StageWardrobe, 2)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))

	assert.NotEqual(t, a, Seed("job-1", StageWardrobe, 3))
	assert.NotEqual(t, a, Seed("job-1", StageProduct, 2))
	assert.NotEqual(t, a, Seed("job-2", StageWardrobe, 2))
}

func TestHappyPathAllStagesFirstAttempt(t *testing.T) {
	f := newFixture(t)
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Equal(t, "wardrobe=generated:1,product=generated:1,composite=generated:1", res.Method)
	assert.FileExists(t, res.LocalPath)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, 1280, res.Width)
	assert.Equal(t, 720, res.Height)
}

func TestAcceptOnSecondAttemptDiscardsFirstCandidate(t *testing.T) {
	f := newFixture(t)
	f.gen.verdicts[StageWardrobe] = []string{
		`{"accept": false, "reason": "studio changed", "correction": {"revised_prompt": "keep the original studio backdrop"}}`,
	}
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "wardrobe=generated:2")
	assert.Contains(t, res.Method, "product=generated:1")
	assert.Contains(t, res.Method, "composite=generated:1")

	// Exactly two wardrobe candidates were ever created: one discarded,
	// one promoted.
	wardrobeUploads := f.store.uploadsFor(StageWardrobe)
	require.Len(t, wardrobeUploads, 2)
	firstID := f.store.byName[wardrobeUploads[0]].ID
	secondID := f.store.byName[wardrobeUploads[1]].ID
	assert.Contains(t, f.store.deletes, firstID)
	assert.NotContains(t, f.store.deletes, secondID)

	// The revised prompt replaced the default direction on attempt 2.
	require.Len(t, f.gen.seenPrompts[StageWardrobe], 2)
	assert.Contains(t, f.gen.seenPrompts[StageWardrobe][1], "keep the original studio backdrop")
}

func TestAlwaysRejectExhaustsBudgetThenFallsBack(t *testing.T) {
	f := newFixture(t)
	reject := `{"accept": false, "reason": "still wrong"}`
	f.gen.verdicts[StageWardrobe] = []string{reject, reject, reject}
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	// maxAttempts = 3 for wardrobe: exactly 3 generation calls, then the
	// reuse-input fallback.
	assert.Equal(t, 3, f.gen.genCalls[StageWardrobe])
	assert.Contains(t, res.Method, "wardrobe=fallback:reuse-input")

	// All three candidates were discarded; nothing from the stage survives.
	uploads := f.store.uploadsFor(StageWardrobe)
	require.Len(t, uploads, 3)
	for _, name := range uploads {
		assert.Contains(t, f.store.deletes, f.store.byName[name].ID)
	}
}

func TestCompositeConvergenceAfterFourRejections(t *testing.T) {
	f := newFixture(t)
	delta := `{"accept": false, "reason": "nudge", "correction": {"dx": -30, "dy": 20, "scale_multiplier": 1.05}}`
	f.gen.verdicts[StageComposite] = []string{delta, delta, delta, delta}
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)
	assert.Contains(t, res.Method, "composite=generated:5")

	require.Len(t, f.store.composes, 5)

	cfg := DefaultConfig()
	spec, ok := cfg.Table.Stage(StageComposite)
	require.True(t, ok)

	tw := geometry.NewTweak()
	for i := 0; i < 4; i++ {
		tw = tw.Apply(geometry.Delta{DX: -30, DY: 20, ScaleMul: 1.05}, cfg.Limits)
	}
	want := geometry.Resolve(*spec.Placement, cfg.RefCanvas, geometry.Size{W: 1280, H: 720}, tw, cfg.Limits)

	got := f.store.composes[4].Placement
	assert.InDelta(t, want.X, got.X, 1e-9)
	assert.InDelta(t, want.Y, got.Y, 1e-9)
	assert.InDelta(t, want.W, got.W, 1e-9)
	assert.InDelta(t, want.H, got.H, 1e-9)
}

func TestGenerationUnreachableFallsBackWithoutCandidates(t *testing.T) {
	f := newFixture(t)
	f.gen.generateErr[StageWardrobe] = errors.New("connection refused")
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "wardrobe=fallback:reuse-input")
	// Generation never produced anything, so nothing was ever registered
	// for the stage.
	assert.Empty(t, f.store.uploadsFor(StageWardrobe))
	// The wardrobe reviewer was never consulted.
	assert.Zero(t, f.gen.reviewCalls[StageWardrobe])
	// Budget fully spent.
	assert.Equal(t, 3, f.gen.genCalls[StageWardrobe])
}

func TestReviewerUnavailableStrictRejects(t *testing.T) {
	f := newFixture(t)
	f.gen.reviewErr[StageProduct] = errors.New("reviewer down")
	r := newRunner(t, f, func(c *Config) { c.ReviewPolicy = PolicyStrict })

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "product=fallback:upload-raw")
	assert.Equal(t, 3, f.gen.genCalls[StageProduct])
}

func TestReviewerUnavailablePermissiveAccepts(t *testing.T) {
	f := newFixture(t)
	f.gen.reviewErr[StageProduct] = errors.New("reviewer down")
	r := newRunner(t, f, func(c *Config) { c.ReviewPolicy = PolicyPermissive })

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "product=unreviewed:1")
	assert.Equal(t, 1, f.gen.genCalls[StageProduct])
}

func TestUnparseableReviewFollowsPolicy(t *testing.T) {
	f := newFixture(t)
	garbage := "I refuse to answer in JSON."
	f.gen.verdicts[StageWardrobe] = []string{garbage, garbage, garbage}
	r := newRunner(t, f, func(c *Config) { c.ReviewPolicy = PolicyStrict })

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)
	assert.Contains(t, res.Method, "wardrobe=fallback:reuse-input")
}

func TestSimilarityGateOverridesReviewerAccept(t *testing.T) {
	f := newFixture(t)
	// The generator returns an image nothing like the subject; the reviewer
	// happily accepts anyway. The gate must override it.
	f.gen.wardrobeData = encodePNG(t, noisyImage(320, 180, 11))
	r := newRunner(t, f, func(c *Config) { c.SimilarityMin = 0.95 })

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "wardrobe=fallback:reuse-input")
	assert.Equal(t, 3, f.gen.genCalls[StageWardrobe])
}

func TestSeedsRepeatAcrossRuns(t *testing.T) {
	f1 := newFixture(t)
	r1 := newRunner(t, f1, nil)
	_, err := r1.Run(context.Background(), f1.job)
	require.NoError(t, err)

	f2 := newFixture(t)
	r2 := newRunner(t, f2, nil)
	_, err = r2.Run(context.Background(), f2.job)
	require.NoError(t, err)

	assert.Equal(t, f1.gen.seenSeeds[StageWardrobe], f2.gen.seenSeeds[StageWardrobe])
	assert.Equal(t, f1.gen.seenSeeds[StageProduct], f2.gen.seenSeeds[StageProduct])
}

func TestTerminalStageWithoutFallbackFailsJob(t *testing.T) {
	f := newFixture(t)
	f.store.composeErr = errors.New("transform service down")
	r := newRunner(t, f, func(c *Config) {
		c.Table.Stages[2].Fallbacks = nil
	})

	_, err := r.Run(context.Background(), f.job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "composite")
}

func TestStoreDownStillShipsLocalBase(t *testing.T) {
	f := newFixture(t)
	// Generation is down for both early stages, so they fall back to their
	// raw local inputs with nothing hosted. The store then rejects every
	// upload, which makes the composite stage unable to host its inputs:
	// the stage must spend its budget and degrade to the base image rather
	// than fail the job.
	f.gen.generateErr[StageWardrobe] = errors.New("connection refused")
	f.gen.generateErr[StageProduct] = errors.New("connection refused")
	f.store.uploadErr = errors.New("store down")
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)

	assert.Contains(t, res.Method, "wardrobe=fallback:reuse-input")
	assert.Contains(t, res.Method, "product=fallback:reuse-input")
	assert.Contains(t, res.Method, "composite=fallback:omit-overlay")

	// Nothing was ever hosted and nothing was composed.
	assert.Empty(t, f.store.uploads)
	assert.Empty(t, f.store.composes)
	assert.Empty(t, res.URL)
	assert.FileExists(t, res.LocalPath)
	assert.Equal(t, 320, res.Width)
	assert.Equal(t, 180, res.Height)
}

func TestCompositeFailureFallsBackToBase(t *testing.T) {
	f := newFixture(t)
	f.store.composeErr = errors.New("transform service down")
	r := newRunner(t, f, nil)

	res, err := r.Run(context.Background(), f.job)
	require.NoError(t, err)
	assert.Contains(t, res.Method, "composite=fallback:omit-overlay")
	assert.FileExists(t, res.LocalPath)
}

func TestMissingInputIsFatal(t *testing.T) {
	f := newFixture(t)
	f.job.SubjectPath = filepath.Join(t.TempDir(), "nope.png")
	r := newRunner(t, f, nil)

	_, err := r.Run(context.Background(), f.job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject asset")
	// Fatal before any external call.
	assert.Zero(t, f.gen.genCalls[StageWardrobe])
}

func TestCancellationBetweenStages(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The context is cancelled mid-wardrobe; the stage finishes its attempt,
	// then the job stops at the boundary before product generates anything.
	cancelGen := &cancellingGenerator{inner: f.gen, cancel: cancel}
	r, err := NewRunner(Options{Generator: cancelGen, Store: f.store, Config: DefaultConfig()})
	require.NoError(t, err)

	_, err = r.Run(ctx, f.job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled after stage wardrobe")
	assert.Zero(t, f.gen.genCalls[StageProduct])
}

// cancellingGenerator cancels the job context during the wardrobe stage,
// after generation succeeds.
type cancellingGenerator struct {
	inner  *fakeGenerator
	cancel context.CancelFunc
}

func (g *cancellingGenerator) GenerateImage(ctx context.Context, req gemini.GenerateRequest) (gemini.ImageResult, error) {
	res, err := g.inner.GenerateImage(ctx, req)
	if stageOfGenerate(req) == StageWardrobe {
		g.cancel()
	}
	return res, err
}

func (g *cancellingGenerator) Review(ctx context.Context, req gemini.ReviewRequest) (string, error) {
	return g.inner.Review(ctx, req)
}
