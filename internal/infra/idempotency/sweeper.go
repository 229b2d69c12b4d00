package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger is implemented by stores whose tokens do not expire on their own.
type Purger interface {
	CompletedBefore(ctx context.Context, before time.Time) ([]domain.GateKey, error)
	Delete(ctx context.Context, key domain.GateKey) error
}

// StatusReader reads the current status of a project.
type StatusReader interface {
	GetProjectStatus(ctx context.Context, projectID string) (domain.Status, error)
}

// Sweeper periodically drops completed tokens past the retention window.
// A token is kept while its project still sits at the token's gate, so a
// resumed session never requests the same decision twice.
type Sweeper struct {
	cron      *cron.Cron
	purger    Purger
	projects  StatusReader
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper schedules RunOnce on a cron spec such as "@daily" or "0 3 * * *".
func NewSweeper(spec string, retention time.Duration, purger Purger, projects StatusReader, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(),
		purger:    purger,
		projects:  projects,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("idempotency sweeper started", zap.Duration("retention", s.retention))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce purges once and returns the number of removed tokens.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	keys, err := s.purger.CompletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("idempotency sweep failed", zap.Error(err))
		return 0
	}

	var removed, kept int64
	for _, key := range keys {
		if !s.gateLeft(ctx, key) {
			kept++
			continue
		}
		if err := s.purger.Delete(ctx, key); err != nil {
			s.logger.Warn("idempotency sweep: delete failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		removed++
	}

	s.logger.Info("idempotency sweep completed",
		zap.Int64("removed", removed),
		zap.Int64("kept_at_gate", kept),
		zap.Time("cutoff", cutoff),
	)
	return removed
}

// gateLeft reports whether the token's project has moved past its gate.
// Read failures keep the token.
func (s *Sweeper) gateLeft(ctx context.Context, key domain.GateKey) bool {
	status, err := s.projects.GetProjectStatus(ctx, key.ProjectID)
	var nf *domain.ErrNotFound
	if errors.As(err, &nf) {
		return true
	}
	if err != nil {
		s.logger.Warn("idempotency sweep: status read failed, keeping token",
			zap.String("project_id", key.ProjectID),
			zap.Error(err),
		)
		return false
	}
	if domain.IsTerminal(status) {
		return true
	}
	gate, ok := domain.GateFor(status)
	return !ok || gate != key.Gate
}
