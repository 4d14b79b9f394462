package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/steward/internal/agent"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule validates a prune schedule such as "@daily" or "0 3 * * *".
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Pruner applies the retention window to transcripts and approval records on
// a cron schedule.
type Pruner struct {
	transcripts Store
	approvals   agent.ApprovalStore
	retention   time.Duration
	logger      *slog.Logger
}

// NewPruner creates a pruner. Either store may be nil.
func NewPruner(transcripts Store, approvals agent.ApprovalStore, retention time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		transcripts: transcripts,
		approvals:   approvals,
		retention:   retention,
		logger:      logger.With("component", "pruner"),
	}
}

// RunOnce prunes both stores and returns the number of turns and approvals
// removed.
func (p *Pruner) RunOnce(ctx context.Context) (turns, approvals int64, err error) {
	if p.retention <= 0 {
		return 0, 0, nil
	}
	if p.transcripts != nil {
		turns, err = p.transcripts.Prune(ctx, p.retention)
		if err != nil {
			return 0, 0, fmt.Errorf("prune transcripts: %w", err)
		}
	}
	if p.approvals != nil {
		approvals, err = p.approvals.Prune(ctx, p.retention)
		if err != nil {
			return turns, 0, fmt.Errorf("prune approvals: %w", err)
		}
	}
	return turns, approvals, nil
}

// Start runs RunOnce on schedule until ctx is cancelled. The returned
// channel is closed once the scheduler has stopped and any running prune
// has finished.
func (p *Pruner) Start(ctx context.Context, spec string) (<-chan struct{}, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		turns, approvals, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Warn("retention prune failed", "error", err)
			return
		}
		p.logger.Info("retention prune finished", "turns", turns, "approvals", approvals, "retention", p.retention)
	}))
	c.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return done, nil
}
