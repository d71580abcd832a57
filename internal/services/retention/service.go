// Package retention applies generational keep policies to archives.
package retention

import (
	"context"
	"fmt"
	"sort"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/borg"
	"github.com/rs/zerolog"
)

// Service defines the interface for retention enforcement.
type Service interface {
	Enforce(ctx context.Context, repo models.Repository, policy models.RetentionPolicy) (*Result, error)
}

// Result holds the outcome of one enforcement pass.
type Result struct {
	Kept    int
	Removed int
	Warning string // non-fatal delete/compact diagnostics
}

// Plan partitions archives into kept and deleted per the six-bucket policy.
//
// Archives are considered newest first. KeepLast marks the N newest outright;
// each time-based bucket marks the newest archive of up to N distinct
// hours/days/weeks/months/years. An archive marked by any bucket survives.
// Buckets left at zero contribute no marks, so an all-zero policy plans the
// deletion of every archive; no implicit floor is applied.
func Plan(archives []borg.ArchiveInfo, policy models.RetentionPolicy) (keep, remove []borg.ArchiveInfo) {
	sorted := make([]borg.ArchiveInfo, len(archives))
	copy(sorted, archives)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })

	kept := make(map[string]bool, len(sorted))

	for i := 0; i < policy.KeepLast && i < len(sorted); i++ {
		kept[sorted[i].Name] = true
	}

	markBucket(sorted, kept, policy.KeepHourly, func(a borg.ArchiveInfo) string {
		return a.Time.Format("2006-01-02T15")
	})
	markBucket(sorted, kept, policy.KeepDaily, func(a borg.ArchiveInfo) string {
		return a.Time.Format("2006-01-02")
	})
	markBucket(sorted, kept, policy.KeepWeekly, func(a borg.ArchiveInfo) string {
		year, week := a.Time.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	})
	markBucket(sorted, kept, policy.KeepMonthly, func(a borg.ArchiveInfo) string {
		return a.Time.Format("2006-01")
	})
	markBucket(sorted, kept, policy.KeepYearly, func(a borg.ArchiveInfo) string {
		return a.Time.Format("2006")
	})

	for _, a := range sorted {
		if kept[a.Name] {
			keep = append(keep, a)
		} else {
			remove = append(remove, a)
		}
	}
	return keep, remove
}

// markBucket keeps the newest archive of up to count distinct buckets.
// Archives must already be sorted newest first.
func markBucket(sorted []borg.ArchiveInfo, kept map[string]bool, count int, bucket func(borg.ArchiveInfo) string) {
	if count <= 0 {
		return
	}
	seen := make(map[string]bool)
	for _, a := range sorted {
		key := bucket(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept[a.Name] = true
		if len(seen) == count {
			return
		}
	}
}

// Impl implements the retention Service interface.
type Impl struct {
	borgSvc borg.Service
	logger  zerolog.Logger
}

// New creates a new retention enforcer.
func New(logger zerolog.Logger, borgSvc borg.Service) *Impl {
	return &Impl{borgSvc: borgSvc, logger: logger}
}

// Enforce lists the repository's archives, plans the generational keep set
// and removes the rest as one batch, then compacts to reclaim space.
// Deletion or compaction trouble is reported as a warning on the result,
// never as an error: the backup that triggered enforcement is already safe.
func (s *Impl) Enforce(ctx context.Context, repo models.Repository, policy models.RetentionPolicy) (*Result, error) {
	archives, err := s.borgSvc.ListArchives(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives for pruning: %w", err)
	}

	keep, remove := Plan(archives, policy)
	result := &Result{Kept: len(keep)}

	s.logger.Info().
		Str("repository", repo.Name).
		Int("keep", len(keep)).
		Int("remove", len(remove)).
		Msg("retention plan computed")

	if len(remove) == 0 {
		return result, nil
	}

	names := make([]string, len(remove))
	for i, a := range remove {
		names[i] = a.Name
	}

	if _, err := s.borgSvc.DeleteArchives(ctx, repo, names); err != nil {
		// Partial failure, e.g. a concurrent lock on single archives.
		s.logger.Warn().Err(err).Str("repository", repo.Name).Msg("archive deletion incomplete")
		result.Warning = fmt.Sprintf("prune incomplete: %v", err)
		return result, nil
	}
	result.Removed = len(remove)

	if _, err := s.borgSvc.Compact(ctx, repo); err != nil {
		s.logger.Warn().Err(err).Str("repository", repo.Name).Msg("compact failed after prune")
		result.Warning = fmt.Sprintf("compact failed: %v", err)
	}

	return result, nil
}
