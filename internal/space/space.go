// Package space tags artifacts with the coordinate space they live in and
// enforces that volumes are only ever combined within a single space.
package space

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/calveira/cpspflow/internal/apperr"
)

// Space identifies the coordinate system a volume is resolved in.
type Space string

const (
	// Native is the scanner-native space of a raw subject acquisition.
	Native Space = "native-subject"
	// WithinSubject is the common space shared by one subject's scans after
	// within-subject registration (the b1000 grid).
	WithinSubject Space = "within-subject-common"
	// Reference is the fixed standard template space all subjects are
	// resampled into for comparison.
	Reference Space = "standard-reference"
)

// Parse returns the Space named by s, or an error for unknown names.
func Parse(s string) (Space, error) {
	switch Space(s) {
	case Native, WithinSubject, Reference:
		return Space(s), nil
	}
	return "", fmt.Errorf("space: unknown coordinate space %q", s)
}

// Item is one space-tagged volume under validation, identified by its role.
type Item struct {
	Role  string
	Space Space
}

// Validate checks that every item shares a single coordinate space and
// returns it. A mismatch reports all offending roles, wrapped around
// apperr.ErrSpaceMismatch, so combining stages can fail fast before any
// voxel work happens.
func Validate(items ...Item) (Space, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("space: nothing to validate")
	}

	bySpace := make(map[Space][]string)
	for _, it := range items {
		bySpace[it.Space] = append(bySpace[it.Space], it.Role)
	}
	if len(bySpace) == 1 {
		return items[0].Space, nil
	}

	groups := make([]string, 0, len(bySpace))
	for sp, roles := range bySpace {
		sort.Strings(roles)
		groups = append(groups, fmt.Sprintf("%s=[%s]", sp, strings.Join(roles, " ")))
	}
	sort.Strings(groups)
	return "", fmt.Errorf("space: %w: %s", apperr.ErrSpaceMismatch, strings.Join(groups, " vs "))
}

// Require checks that every item is in want, not merely mutually consistent.
func Require(want Space, items ...Item) error {
	got, err := Validate(items...)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("space: %w: inputs are in %s, want %s", apperr.ErrSpaceMismatch, got, want)
	}
	return nil
}

// Resampler moves a volume file into a target coordinate space. Implemented
// by the registration stage adapters; the registry itself never touches
// voxels.
type Resampler interface {
	Resample(ctx context.Context, srcPath string, target Space, transformType string) (string, error)
}

// Registry validates space agreement and delegates resampling.
type Registry struct {
	resampler Resampler
}

// NewRegistry creates a registry delegating resample requests to res.
func NewRegistry(res Resampler) *Registry {
	return &Registry{resampler: res}
}

// Validate is the method form of the package-level Validate.
func (r *Registry) Validate(items ...Item) (Space, error) {
	return Validate(items...)
}

// Resample produces a copy of the volume at srcPath in the target space.
// Resampling into the space a volume is already in is an error: callers are
// expected to consult the tag first.
func (r *Registry) Resample(ctx context.Context, it Item, srcPath string, target Space, transformType string) (string, error) {
	if it.Space == target {
		return "", fmt.Errorf("space: %s already in %s", it.Role, target)
	}
	if r.resampler == nil {
		return "", fmt.Errorf("space: no resampler configured")
	}
	out, err := r.resampler.Resample(ctx, srcPath, target, transformType)
	if err != nil {
		return "", fmt.Errorf("space: resample %s to %s: %w", it.Role, target, err)
	}
	return out, nil
}
