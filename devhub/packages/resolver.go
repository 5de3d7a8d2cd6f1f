package packages

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrPackageNotFound is returned when the metadata store has no versions for a package.
	ErrPackageNotFound = errors.New("package not found")
	// ErrNoMatchingVersion is returned when no published version satisfies a query.
	ErrNoMatchingVersion = errors.New("no matching version")
)

// VersionSource lists the published versions of a package.
type VersionSource interface {
	Versions(name string) ([]PackageVersion, error)
}

// Resolver picks the highest published version satisfying a semver range.
type Resolver struct {
	source VersionSource
}

func NewResolver(source VersionSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the highest published version of name satisfying query,
// together with its metadata. Versions that do not parse as semver are ignored.
func (r *Resolver) Resolve(ctx context.Context, name, query string) (*PackageVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraint, err := semver.NewConstraint(query)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version query %q for %s: %v", ErrNoMatchingVersion, query, name, err)
	}

	published, err := r.source.Versions(name)
	if errors.Is(err, ErrPackageNotFound) {
		return nil, fmt.Errorf("%w: package %s has no published versions", ErrNoMatchingVersion, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}

	best, bestIdx := HighestMatching(constraint, published)
	if best == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrNoMatchingVersion, name, query)
	}
	pv := published[bestIdx]
	return &pv, nil
}

// HighestMatching returns the highest version in published that satisfies
// constraint and its index, or nil and -1.
func HighestMatching(constraint *semver.Constraints, published []PackageVersion) (*semver.Version, int) {
	var best *semver.Version
	bestIdx := -1
	for i, pv := range published {
		v, err := semver.NewVersion(pv.Version)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestIdx = i
		}
	}
	return best, bestIdx
}
