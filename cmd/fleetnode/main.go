// Command fleetnode boots a single fleet node: it loads configuration, opens
// the configured storage backend, wires the home/task/channel/bridge/
// scheduler/migration managers together, and runs the scheduler's tick-cycle
// loop until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/bridge"
	"github.com/mconcat/flock/pkg/channel"
	"github.com/mconcat/flock/pkg/config"
	"github.com/mconcat/flock/pkg/fleet"
	"github.com/mconcat/flock/pkg/home"
	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/migration"
	"github.com/mconcat/flock/pkg/scheduler"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/mconcat/flock/pkg/storage/sqlitestore"
	"github.com/mconcat/flock/pkg/task"
)

func main() {
	var configPath string
	var storageKind string
	var metricsAddr string
	var slackToken string
	var discordToken string
	flag.StringVar(&configPath, "config", "", "Path to node config YAML (defaults applied when empty)")
	flag.StringVar(&storageKind, "storage", "sqlite", "Storage backend: sqlite or memory")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables the endpoint)")
	flag.StringVar(&slackToken, "slack-token", "", "Slack bot token (enables the Slack bridge adapter when set)")
	flag.StringVar(&discordToken, "discord-token", "", "Discord bot token (enables the Discord bridge adapter when set)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logx.NewLogger(cfg.NodeID)
	logger.Info("fleet node boot: nodeId=%s storage=%s", cfg.NodeID, storageKind)

	backend, err := openBackend(storageKind, cfg)
	if err != nil {
		log.Fatalf("open storage backend: %v", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close storage backend: %v", err)
		}
	}()
	if err := backend.Migrate(); err != nil {
		log.Fatalf("run storage migrations: %v", err)
	}

	registry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		startMetricsServer(metricsAddr, logger)
	}

	auditLog := audit.New(backend.Audit())
	auditLog.SetMetrics(registry)
	homes := home.NewManager(backend.Homes(), auditLog)
	homes.SetMetrics(registry)
	channels := channel.NewManager(backend.Channels(), backend.ChannelMessages(), backend.Bridges(), auditLog, nil)
	channels.SetMetrics(registry)
	bridges := bridge.NewManager(backend.Bridges(), channels, auditLog)
	registerBridgeAdapters(bridges, slackToken, discordToken, logger)
	channels.SetArchiveNotifier(bridges)

	migrations := migration.NewManager(backend.Migrations(), homes, auditLog)
	migrations.SetMetrics(registry)

	dispatchClient := fleet.NewLoopbackClient("system")
	// tasks and migrations are driven by the gateway/CLI layer, an external
	// collaborator this process does not reproduce; they're constructed here
	// so the node is ready to serve that layer once it attaches.
	tasks := task.NewStore(backend.Tasks(), auditLog, dispatchClient)
	tasks.SetMetrics(registry)
	existing, err := tasks.List(storage.Filter{})
	if err != nil {
		logger.Warn("list existing tasks: %v", err)
	}
	logger.Info("task store ready, %d tasks on record", len(existing))

	tickBuilder := fleet.NewTickBuilder(channels, dispatchClient)
	lockSweeper := fleet.NewSessionLockSweeper(cfg.SessionsDir)

	sched := scheduler.New(backend.AgentLoop(), auditLog, tickBuilder, lockSweeper)
	sched.SetLeaseSweeper(homes)
	sched.SetMetrics(registry)
	channels.SetWaker(sched)

	logger.Info("migration manager ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	logger.Info("scheduler started, tick interval %dms", cfg.TickIntervalMs)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	cancel()
	sched.Stop()
	logger.Info("fleet node shutdown complete")
}

func openBackend(kind string, cfg config.Config) (storage.Backend, error) {
	switch kind {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
		}
		return sqlitestore.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want sqlite or memory)", kind)
	}
}

func registerBridgeAdapters(bridges *bridge.Manager, slackToken, discordToken string, logger *logx.Logger) {
	if slackToken != "" {
		bridges.RegisterAdapter(bridge.PlatformSlack, &bridge.SlackAdapter{Client: slack.New(slackToken)})
		logger.Info("slack bridge adapter registered")
	}
	if discordToken != "" {
		session, err := discordgo.New("Bot " + discordToken)
		if err != nil {
			logger.Warn("discord session init failed, discord bridge disabled: %v", err)
			return
		}
		bridges.RegisterAdapter(bridge.PlatformDiscord, &bridge.DiscordAdapter{Session: session})
		logger.Info("discord bridge adapter registered")
	}
}

func startMetricsServer(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped: %v", err)
		}
	}()
}
