package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/oxide/internal/config"
	"github.com/dohr-michael/oxide/internal/drivers"
	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/gateway"
	"github.com/dohr-michael/oxide/internal/heartbeat"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/metrics"
	"github.com/dohr-michael/oxide/internal/node"
	"github.com/dohr-michael/oxide/internal/storage"
	"github.com/dohr-michael/oxide/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the worker node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

// loadConfig reads path, falling back to defaults when the file is missing.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return cfg, err
}

func poolConfigs(cfg *config.Config) map[memory.PoolID]memory.PoolConfig {
	pools := make(map[memory.PoolID]memory.PoolConfig, len(cfg.Memory.Pools))
	for id, p := range cfg.Memory.Pools {
		pools[memory.PoolID(id)] = memory.PoolConfig{
			MaxBytes:           p.MaxBytes.Int64(),
			RevocableSoftLimit: p.RevocableSoftLimit.Int64(),
		}
	}
	return pools
}

func retention(cfg *config.Config) tasks.Retention {
	return tasks.Retention{
		InfoMaxAge:     cfg.Tasks.InfoMaxAge.Duration(),
		TornDownMaxAge: cfg.Tasks.TornDownMaxAge.Duration(),
		ClientTimeout:  cfg.Tasks.ClientTimeout.Duration(),
	}
}

func exchange(cfg *config.Config) gateway.Exchange {
	return gateway.Exchange{
		MaxWait:         cfg.Exchange.MaxWait.Duration(),
		MaxWaitLimit:    cfg.Exchange.MaxWaitLimit.Duration(),
		MaxResponseSize: cfg.Exchange.MaxResponseSize.Int64(),
	}
}

// worker is every long-lived component of a running node.
type worker struct {
	cfg       *config.Config
	bus       *events.Bus
	node      *node.Node
	memory    *memory.Accountant
	pool      *drivers.Pool
	registry  *tasks.Registry
	server    *gateway.Server
	reaper    *tasks.Reaper
	heartbeat *heartbeat.Writer
	journal   *storage.Journal
	closers   []func()
}

func newWorker(cfg *config.Config) (*worker, error) {
	driver, err := drivers.New(cfg.Drivers.Driver)
	if err != nil {
		return nil, err
	}

	w := &worker{cfg: cfg}
	w.bus = events.NewBus(cfg.Events.BufferSize)
	w.closers = append(w.closers, w.bus.Close, metrics.Subscribe(w.bus))
	if cfg.Events.JournalDir != "" {
		w.journal = storage.NewJournal(cfg.Events.JournalDir, w.bus)
		w.closers = append(w.closers, w.journal.Close)
	}

	pool, err := drivers.NewPool(cfg.Drivers.PoolSize)
	if err != nil {
		w.close()
		return nil, err
	}
	w.pool = pool
	w.closers = append(w.closers, pool.Stop)

	version := cfg.Node.Version
	if version == "" {
		version = Version
	}
	w.node = node.New(node.Config{
		ID:          cfg.Node.ID,
		Environment: cfg.Node.Environment,
		Version:     version,
		Bus:         w.bus,
	})
	w.memory = memory.NewAccountant(poolConfigs(cfg), w.bus)
	w.registry = tasks.NewRegistry(tasks.RegistryConfig{
		NodeID:         w.node.ID(),
		Memory:         w.memory,
		Launcher:       pool,
		Driver:         driver,
		Bus:            w.bus,
		DefaultPool:    memory.PoolID(cfg.Tasks.DefaultPool),
		MaxPagesPerGet: cfg.Exchange.MaxPages,
		Retention:      retention(cfg),
	})
	w.server = gateway.NewServer(gateway.Deps{
		Node:     w.node,
		Registry: w.registry,
		Memory:   w.memory,
		Drivers:  pool,
		Bus:      w.bus,
		Journal:  w.journal,
		Exchange: exchange(cfg),
	}, cfg.Server.Addr())
	w.reaper = tasks.NewReaper(w.registry, cfg.Tasks.ReaperInterval.Duration())
	w.heartbeat = heartbeat.NewWriter(cfg.Node.HeartbeatFile, 0, heartbeat.Identity{
		NodeID:  w.node.ID(),
		Version: version,
		Addr:    cfg.Server.Addr(),
	}, w.probe)
	return w, nil
}

func (w *worker) probe() (string, int) {
	total := 0
	for state, n := range w.registry.StateCounts() {
		if !state.IsDone() {
			total += n
		}
	}
	return string(w.node.State()), total
}

// apply pushes a reloaded config into the running components. Listen
// address, node identity and driver choice need a restart.
func (w *worker) apply(cfg *config.Config, level *slog.LevelVar, debug bool) {
	w.memory.SetPools(poolConfigs(cfg))
	w.registry.SetRetention(retention(cfg))
	w.server.SetExchange(exchange(cfg))
	w.pool.Resize(cfg.Drivers.PoolSize)
	if !debug {
		level.Set(parseLevel(cfg.Log.Level))
	}
}

func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// shutdown stops intake, aborts live tasks so pending long polls return,
// then drains the HTTP server.
func (w *worker) shutdown(timeout time.Duration) error {
	w.node.SetState(node.StateShuttingDown)
	w.registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain http server: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}

	debug := cmd.Bool("debug")
	level := setupLogging(os.Stderr, cfg.Log, debug)

	w, err := newWorker(cfg)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer w.close()

	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) { w.apply(c, level, debug) })

	w.reaper.Start()
	defer w.reaper.Stop()
	w.heartbeat.Start()
	defer w.heartbeat.Stop()

	slog.Info("oxide worker starting",
		"node_id", w.node.ID(),
		"version", Version,
		"driver", cfg.Drivers.Driver,
		"pools", len(cfg.Memory.Pools),
		"journal", cfg.Events.JournalDir != "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(w.server.Start)
	g.Go(func() error { return reloader.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		return w.shutdown(cfg.Server.ShutdownTimeout.Duration())
	})
	return g.Wait()
}
