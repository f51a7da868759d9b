package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"thumbsmith/internal/geometry"
)

// Stage names, in pipeline order. The composite stage is terminal: it is the
// only stage whose fallback exhaustion fails the whole job.
const (
	StageWardrobe  = "wardrobe"
	StageProduct   = "product"
	StageComposite = "composite"
)

// Fallback strategy names. The substitution policy per stage is data, not
// control flow, so it can be overridden per deployment and tested on its own.
const (
	FallbackReuseInput  = "reuse-input"  // use the stage's unmodified input, nothing hosted
	FallbackUploadRaw   = "upload-raw"   // host the raw input asset without generative modification
	FallbackOmitOverlay = "omit-overlay" // terminal stage only: ship the base without the overlay
)

// StageSpec configures one stage: its retry budget and its ordered fallback
// chain. Placement is set on the composite stage only and describes the
// reference rectangle on the reference canvas.
type StageSpec struct {
	Name        string         `yaml:"name"`
	MaxAttempts int            `yaml:"max_attempts"`
	Fallbacks   []string       `yaml:"fallbacks"`
	Placement   *geometry.Rect `yaml:"placement,omitempty"`
}

type Table struct {
	Stages []StageSpec `yaml:"stages"`
}

// DefaultTable is the compiled-in stage table.
func DefaultTable() Table {
	return Table{
		Stages: []StageSpec{
			{
				Name:        StageWardrobe,
				MaxAttempts: 3,
				Fallbacks:   []string{FallbackReuseInput},
			},
			{
				Name:        StageProduct,
				MaxAttempts: 3,
				Fallbacks:   []string{FallbackUploadRaw, FallbackReuseInput},
			},
			{
				Name:        StageComposite,
				MaxAttempts: 5,
				Fallbacks:   []string{FallbackOmitOverlay},
				Placement:   &geometry.Rect{X: 760, Y: 420, W: 420, H: 260},
			},
		},
	}
}

// LoadTable reads a stage table override from a YAML file.
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read stage table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("parse stage table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks that the table names the three pipeline stages in order,
// with sane budgets and known fallback strategies.
func (t Table) Validate() error {
	wantOrder := []string{StageWardrobe, StageProduct, StageComposite}
	if len(t.Stages) != len(wantOrder) {
		return fmt.Errorf("stage table must define exactly %d stages, got %d", len(wantOrder), len(t.Stages))
	}

	known := map[string]bool{
		FallbackReuseInput:  true,
		FallbackUploadRaw:   true,
		FallbackOmitOverlay: true,
	}

	for i, s := range t.Stages {
		if s.Name != wantOrder[i] {
			return fmt.Errorf("stage %d must be %q, got %q", i, wantOrder[i], s.Name)
		}
		if s.MaxAttempts < 1 {
			return fmt.Errorf("stage %q: max_attempts must be at least 1", s.Name)
		}
		for _, fb := range s.Fallbacks {
			if !known[fb] {
				return fmt.Errorf("stage %q: unknown fallback %q", s.Name, fb)
			}
			if fb == FallbackOmitOverlay && s.Name != StageComposite {
				return fmt.Errorf("stage %q: fallback %q is composite-only", s.Name, fb)
			}
		}
	}

	if t.Stages[2].Placement == nil {
		return fmt.Errorf("stage %q: placement is required", StageComposite)
	}
	if t.Stages[2].Placement.W <= 0 || t.Stages[2].Placement.H <= 0 {
		return fmt.Errorf("stage %q: placement must have positive size", StageComposite)
	}
	return nil
}

// Stage returns the spec for a stage name.
func (t Table) Stage(name string) (StageSpec, bool) {
	for _, s := range t.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}
