package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "streambot/pkg/logx"
)

// HistoryPruner drops stale stream history.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Time) (int, error)
}

// retention runs the history sweep on a cron schedule.
type retention struct {
	store HistoryPruner
	log   logx.Logger

	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	entry  cron.EntryID
	keep   time.Duration
	spec   string
	ctx    context.Context
}

func newRetention(store HistoryPruner, log logx.Logger) *retention {
	return &retention{
		store:  store,
		log:    log.With(logx.String("comp", "retention")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins running the current schedule. Jobs use ctx.
func (r *retention) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.ctx = ctx
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(time.Local))
	r.scheduleLocked()
	r.c.Start()
}

// Apply replaces the schedule. keep <= 0 disables the sweep.
func (r *retention) Apply(keep time.Duration, spec string) error {
	if keep > 0 {
		if _, err := r.parser.Parse(spec); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep == r.keep && spec == r.spec {
		return nil
	}
	r.keep, r.spec = keep, spec
	if r.c != nil {
		r.scheduleLocked()
	}
	return nil
}

func (r *retention) scheduleLocked() {
	if r.entry != 0 {
		r.c.Remove(r.entry)
		r.entry = 0
	}
	if r.store == nil || r.keep <= 0 {
		return
	}
	keep := r.keep
	id, err := r.c.AddFunc(r.spec, func() { _, _ = r.Sweep(r.ctx, keep) })
	if err != nil {
		r.log.Warn("retention schedule rejected", logx.String("spec", r.spec), logx.Err(err))
		return
	}
	r.entry = id
	r.log.Info("retention scheduled", logx.String("spec", r.spec), logx.Duration("keep", keep))
}

// Sweep prunes history older than keep.
func (r *retention) Sweep(ctx context.Context, keep time.Duration) (int, error) {
	if r.store == nil || keep <= 0 {
		return 0, nil
	}
	n, err := r.store.PruneHistory(ctx, time.Now().Add(-keep))
	if err != nil {
		r.log.Warn("history prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		r.log.Info("history pruned", logx.Int("streams", n), logx.Duration("keep", keep))
	}
	return n, nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (r *retention) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.entry = 0
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
