// Package sync submits periodic folder-sync tasks for every
// configured account on a fixed interval or a cron schedule.
package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/ops"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/task"
)

// defaultInterval applies when neither a cron expression nor a valid
// interval is configured.
const defaultInterval = 5 * time.Minute

// Submitter is the engine surface the poller needs.
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (sched.UnitID, error)
}

// Poller drives the sync schedule. A cron expression wins over the
// interval when both are set; Trigger forces a round out of schedule.
type Poller struct {
	engine   Submitter
	accounts []model.AccountConfig
	log      *logging.Logger

	interval time.Duration
	schedule cron.Schedule

	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      gosync.Mutex
	running bool
}

// New builds a poller from the sync section of the configuration.
func New(engine Submitter, accounts []model.AccountConfig, cfg model.SyncConfig, log *logging.Logger) *Poller {
	p := &Poller{
		engine:    engine,
		accounts:  accounts,
		log:       log,
		interval:  defaultInterval,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			log.Warnf("invalid cron expression %q, falling back to interval: %v", cfg.Cron, err)
		} else {
			p.schedule = schedule
		}
	}
	if p.schedule == nil && cfg.Interval != "" {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil || d <= 0 {
			log.Warnf("invalid sync interval %q, using %s", cfg.Interval, defaultInterval)
		} else {
			p.interval = d
		}
	}
	return p
}

// Run loops until ctx is cancelled or Stop is called. The first round
// is submitted immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	p.submitAll(ctx)
	for {
		timer := time.NewTimer(p.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.stopCh:
			timer.Stop()
			return nil
		case <-p.triggerCh:
			timer.Stop()
			p.submitAll(ctx)
		case <-timer.C:
			p.submitAll(ctx)
		}
	}
}

// Trigger requests an immediate round. Non-blocking: a trigger
// arriving while one is already queued is folded into it.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Stop terminates the loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

func (p *Poller) untilNext() time.Duration {
	if p.schedule != nil {
		return time.Until(p.schedule.Next(time.Now()))
	}
	return p.interval
}

// submitAll enqueues one sync_folder task per enabled account folder.
func (p *Poller) submitAll(ctx context.Context) {
	for _, acct := range p.accounts {
		if !acct.Enabled {
			continue
		}
		for _, folder := range acct.Folders {
			args, err := json.Marshal(ops.SyncFolderArgs{
				AccountID: acct.ID,
				Folder:    folder,
			})
			if err != nil {
				p.log.Errorf("encoding sync args for %s/%s: %v", acct.ID, folder, err)
				continue
			}
			id, err := p.engine.Submit(ctx, task.Request{
				Type: ops.TypeSyncFolder,
				Args: args,
			})
			if err != nil {
				p.log.Warnf("submitting sync for %s/%s: %v", acct.ID, folder, err)
				continue
			}
			p.log.Debugf("submitted sync %s for %s/%s", id, acct.ID, folder)
		}
	}
}
