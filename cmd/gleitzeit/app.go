package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gleitzeit/gleitzeit/config"
	"github.com/gleitzeit/gleitzeit/engine"
	"github.com/gleitzeit/gleitzeit/metrics"
	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport/natsbus"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// App wires the server components: NATS (embedded or external), store,
// registry, engine, admin HTTP and the configured directory watchers.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store storage.Store
	reg   *registry.Registry
	bus   *natsbus.EngineBus
	eng   *engine.Engine

	prom  *metrics.Prometheus
	admin *metrics.Server
}

// NewApp creates an application from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start brings every component up. On error the partially started pieces
// are torn down.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.Open(ctx, storage.Options{
		Backend: a.cfg.Store.Backend,
		FileDir: a.cfg.Store.File.Dir,
		Redis: storage.RedisOptions{
			Addr:     a.cfg.Store.Redis.Addr,
			Password: a.cfg.Store.Redis.Password,
			DB:       a.cfg.Store.Redis.DB,
		},
	}, a.js, a.logger)
	if err != nil {
		a.Shutdown(5 * time.Second)
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.logger.Info("store opened", "backend", a.cfg.Store.Backend)

	a.reg = registry.New(registry.Config{
		MaxConsecutiveFailures: uint32(a.cfg.Registry.MaxConsecutiveFailures),
		Cooldown:               a.cfg.Registry.Cooldown.Std(),
		HeartbeatInterval:      a.cfg.Registry.HeartbeatInterval.Std(),
	}, a.logger)
	for _, p := range registry.BuiltinProtocols() {
		if err := a.reg.RegisterProtocol(p); err != nil {
			a.Shutdown(5 * time.Second)
			return fmt.Errorf("register protocol %s: %w", p.Name, err)
		}
	}

	a.prom = metrics.NewPrometheus()
	a.bus = natsbus.NewEngineBus(a.natsConn, natsbus.Options{
		Name:   a.cfg.NATS.Name,
		Logger: a.logger,
	})

	a.eng = engine.New(engine.Config{
		MaxConcurrentTasks:   a.cfg.Engine.MaxConcurrentTasks,
		QueueCapacity:        a.cfg.Engine.QueueCapacity,
		AgingEnabled:         a.cfg.Engine.Aging.Enabled,
		AgingThreshold:       a.cfg.Engine.Aging.Threshold.Std(),
		DispatchTimeout:      a.cfg.Engine.DispatchTimeoutDefault.Std(),
		NoProviderRetryDelay: a.cfg.Engine.NoProviderRetryDelay.Std(),
		DefaultStrategy:      workflow.FailureStrategy(a.cfg.Engine.FailureStrategy),
		Recovery:             a.cfg.Engine.Recovery,
		MaintenanceInterval:  a.cfg.Engine.MaintenanceInterval.Std(),
		RetryDefaults:        a.cfg.RetryPolicy(),
		NoConsumeCodes:       a.cfg.NoConsumeCodes(),
	}, engine.Deps{
		Store:    a.store,
		Bus:      a.bus,
		Registry: a.reg,
		Metrics:  a.prom,
		Logger:   a.logger,
	})

	if err := a.eng.Start(ctx); err != nil {
		a.Shutdown(5 * time.Second)
		return fmt.Errorf("start engine: %w", err)
	}

	for _, w := range a.cfg.Watch {
		_, err := a.eng.Watch(engine.WatchSpec{
			Directory: w.Directory,
			Pattern:   w.Pattern,
			Template:  w.Template,
		})
		if err != nil {
			a.Shutdown(5 * time.Second)
			return fmt.Errorf("watch %s: %w", w.Directory, err)
		}
		a.logger.Info("watching directory", "dir", w.Directory, "pattern", w.Pattern)
	}

	if a.cfg.HTTP.Addr != "" {
		a.admin = metrics.NewServer(a.cfg.HTTP.Addr, a.prom.Registry(), a.statusBody, a.eng.Healthy, a.logger)
		go func() {
			if err := a.admin.Start(); err != nil {
				a.logger.Error("admin server failed", "error", err)
			}
		}()
	}

	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL == "" && !a.cfg.NATS.Embedded {
		return fmt.Errorf("no NATS server configured: set nats.url or nats.embedded")
	}

	url := a.cfg.NATS.URL
	if url == "" {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded server failed to start")
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	nc, err := natsbus.Connect(natsbus.Options{
		URL:            url,
		Name:           a.cfg.NATS.Name,
		ConnectTimeout: a.cfg.NATS.ConnectTimeout.Std(),
	})
	if err != nil {
		if a.embeddedServer != nil {
			a.embeddedServer.Shutdown()
			a.embeddedServer = nil
		}
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	a.natsConn = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	a.logger.Info("connected to NATS", "url", url, "embedded", a.embeddedServer != nil)
	return nil
}

// Shutdown stops components in dependency order: intake first, then the
// engine loop, then transport, then storage.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.eng != nil {
		if err := a.eng.Stop(ctx); err != nil {
			a.logger.Warn("engine did not drain in time", "error", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("close bus", "error", err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown admin server", "error", err)
		}
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}

// statusBody is the /status payload of the admin server.
func (a *App) statusBody(ctx context.Context) (any, error) {
	type workflowLine struct {
		ID        string `json:"id"`
		Name      string `json:"name,omitempty"`
		Status    string `json:"status"`
		TaskCount int    `json:"task_count"`
	}

	workflows, err := a.store.ListWorkflows(ctx, "", 50)
	if err != nil {
		return nil, err
	}
	lines := make([]workflowLine, 0, len(workflows))
	for _, wf := range workflows {
		lines = append(lines, workflowLine{
			ID:        wf.ID,
			Name:      wf.Name,
			Status:    string(wf.Status),
			TaskCount: len(wf.TaskIDs),
		})
	}

	return map[string]any{
		"healthy":   a.eng.Healthy(),
		"providers": a.reg.Len(),
		"backend":   a.cfg.Store.Backend,
		"workflows": lines,
	}, nil
}
