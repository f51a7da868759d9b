package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"thumbsmith/internal/pipeline"
)

// Runner executes one job. Satisfied by *pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type Options struct {
	Runner     Runner
	Logger     *slog.Logger
	Limit      int
	JobTimeout time.Duration
}

// Pool runs batches of jobs with bounded concurrency. A failed job never
// stops the rest of the batch.
type Pool struct {
	runner     Runner
	logger     *slog.Logger
	limit      int
	jobTimeout time.Duration
}

func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		runner:     opts.Runner,
		logger:     logger,
		limit:      limit,
		jobTimeout: opts.JobTimeout,
	}
}

// Outcome pairs a job with its result or error, in submission order.
type Outcome struct {
	Job    pipeline.Job
	Result pipeline.Result
	Err    error
}

// RunAll executes every job and returns one outcome per job, index-aligned
// with the input.
func (p *Pool) RunAll(ctx context.Context, jobs []pipeline.Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.limit)

	for i, job := range jobs {
		g.Go(func() error {
			jobCtx := ctx
			if p.jobTimeout > 0 {
				var cancel context.CancelFunc
				jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
				defer cancel()
			}

			res, err := p.runner.Run(jobCtx, job)
			outcomes[i] = Outcome{Job: job, Result: res, Err: err}
			if err != nil {
				p.logger.Error("job failed", "job", job.ID, "err", err)
			}
			return nil
		})
	}

	g.Wait()
	return outcomes
}

// Manifest is the batch input of cmd/worker: a list of jobs in YAML.
type Manifest struct {
	Jobs []ManifestJob `yaml:"jobs"`
}

type ManifestJob struct {
	ID      string `yaml:"id"`
	Subject string `yaml:"subject"`
	Object  string `yaml:"object"`
	Context string `yaml:"context"`
	OutDir  string `yaml:"out_dir"`
}

// LoadManifest reads a job manifest and converts it to pipeline jobs.
// An out_dir omitted on a job falls back to defaultOut.
func LoadManifest(path, defaultOut string) ([]pipeline.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s lists no jobs", path)
	}

	jobs := make([]pipeline.Job, 0, len(m.Jobs))
	for i, mj := range m.Jobs {
		if mj.Subject == "" || mj.Object == "" {
			return nil, fmt.Errorf("manifest job %d: subject and object are required", i)
		}
		outDir := mj.OutDir
		if outDir == "" {
			outDir = defaultOut
		}
		jobs = append(jobs, pipeline.Job{
			ID:          mj.ID,
			SubjectPath: mj.Subject,
			ObjectPath:  mj.Object,
			Context:     mj.Context,
			OutDir:      outDir,
		})
	}
	return jobs, nil
}
