package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/engine"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/ops"
	"github.com/nhle/mailsync/internal/store"
	syncer "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine in the foreground",
	Long: `Run the engine: load persisted tasks and markers, start the
scheduler, and submit folder syncs on the configured schedule.
SIGINT or SIGTERM drains the in-flight task and exits.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// bootstrap wires config, logging, store, accounts, registry and
// engine, shared by run and sync.
type app struct {
	cfg    *model.Config
	log    *logging.Logger
	store  *store.Store
	engine *engine.Engine
}

func bootstrap() (*app, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Close()
		return nil, err
	}

	accounts := account.NewManager(cfg.Accounts, log.Component("account"))
	registry := task.NewRegistry()
	if err := ops.Register(registry, ops.Deps{Log: log.Component("ops")}); err != nil {
		st.Close()
		log.Close()
		return nil, err
	}

	eng := engine.New(
		engine.ConfigFrom(cfg.Scheduler),
		st, registry, accounts, log.Component("engine"),
	)
	return &app{cfg: cfg, log: log, store: st, engine: eng}, nil
}

func (a *app) close() {
	a.store.Close()
	a.log.Close()
}

func runEngine(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.engine.Load(ctx); err != nil {
		return err
	}

	model.WatchConfig(configPath, func() {
		a.log.Warn("config file changed; restart to apply")
	})

	poller := syncer.New(
		a.engine, a.cfg.Accounts, a.cfg.Sync, a.log.Component("sync"),
	)
	events := a.engine.Events().Subscribe(a.cfg.Scheduler.EventBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, a.log.Component("lifecycle"), events)
		return nil
	})

	a.log.Infof("mailsyncd %s running with %d accounts", Version, len(a.cfg.Accounts))
	return g.Wait()
}

// logEvents mirrors lifecycle notifications into the log until the
// bus closes or ctx ends.
func logEvents(ctx context.Context, log *logging.Logger, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := map[string]any{
				"unit": string(ev.Unit),
				"type": string(ev.TaskType),
			}
			if ev.Err != "" {
				fields["error"] = ev.Err
			}
			switch ev.Type {
			case engine.EventFailed:
				log.ErrorCtx(string(ev.Type), fields)
			case engine.EventRetrying:
				log.WarnCtx(string(ev.Type), fields)
			default:
				log.InfoCtx(string(ev.Type), fields)
			}
		}
	}
}
