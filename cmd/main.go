// marketd — standalone simulation node.
//
// Runs a round scheduler with the gRPC control plane on top, so external
// tooling can inspect agents, read books and drive rounds over the wire.
//
// Usage:
//
//	go run ./cmd/main.go                      # Defaults, control plane on :50061
//	go run ./cmd/main.go -addr :8080          # Custom port
//	go build -o marketd ./cmd && ./marketd -config marketcore.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/config"
	enginegrpc "github.com/agorasim-collective/marketcore/simengine/grpc"
	"github.com/agorasim-collective/marketcore/simengine/observability"
	"github.com/agorasim-collective/marketcore/simengine/runtime"
	"github.com/agorasim-collective/marketcore/simengine/scheduler"
)

// stdLogger implements marketmsg.Logger using standard library log.
type stdLogger struct {
	fields []any
}

func (l stdLogger) Debug(msg string, keysAndValues ...any) {
	l.printf("DEBUG", msg, keysAndValues)
}

func (l stdLogger) Info(msg string, keysAndValues ...any) {
	l.printf("INFO", msg, keysAndValues)
}

func (l stdLogger) Warn(msg string, keysAndValues ...any) {
	l.printf("WARN", msg, keysAndValues)
}

func (l stdLogger) Error(msg string, keysAndValues ...any) {
	l.printf("ERROR", msg, keysAndValues)
}

func (l stdLogger) Bind(args ...any) marketmsg.Logger {
	fields := make([]any, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return stdLogger{fields: fields}
}

func (l stdLogger) printf(level, msg string, keysAndValues []any) {
	if len(l.fields) > 0 {
		bound := make([]any, 0, len(l.fields)+len(keysAndValues))
		bound = append(bound, l.fields...)
		bound = append(bound, keysAndValues...)
		keysAndValues = bound
	}
	log.Printf("[%s] %s %v", level, msg, keysAndValues)
}

func main() {
	// Parse command-line flags
	addr := flag.String("addr", "", "control server address (overrides config)")
	configPath := flag.String("config", "", "path to a YAML simulation config")
	flag.Parse()

	logger := stdLogger{}

	// Load configuration: explicit file, or the default search paths
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	config.SetSimConfig(cfg)

	logger.Info("marketd_starting",
		"name", cfg.Name,
		"address", cfg.ListenAddr,
		"mode", string(cfg.Mode),
		"rounds", cfg.Rounds,
	)

	// Tracing is opt-in: an empty endpoint disables it
	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(context.Background(), cfg.Name, cfg.OTLPEndpoint,
			observability.RunMode(string(cfg.Mode)),
			observability.RunRounds(cfg.Rounds),
			observability.RunSeed(cfg.Seed),
		)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
		logger.Info("tracing_enabled", "endpoint", cfg.OTLPEndpoint)
	}

	// Scheduler owns the clock, the mailbox registry, the router and the
	// auditor; the runner drives rounds through it.
	sched := scheduler.NewScheduler(logger, &scheduler.SchedulerConfig{
		EnableAudit: cfg.CheckUnmatched,
	})
	sched.Router().Use(marketmsg.NewValidationMiddleware())
	sched.Router().Use(marketmsg.NewLoggingMiddleware(logger))
	if cfg.MetricsEnabled {
		sched.Router().Use(observability.MetricsMiddleware{})
	}

	runner, err := runtime.NewRunner(sched, nil, logger)
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}

	// Control-plane gRPC server
	control := enginegrpc.NewControlServer(sched, logger)
	control.SetRunner(runner)

	gs, err := enginegrpc.NewGracefulServer(control, cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Failed to create control server: %v", err)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh, err := gs.StartBackground()
	if err != nil {
		log.Fatalf("Failed to start control server: %v", err)
	}

	logger.Info("marketd_ready", "address", cfg.ListenAddr)
	fmt.Printf("\nmarketd control plane running on %s\n", cfg.ListenAddr)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for a shutdown signal or a server failure
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("control_server_failed", "error", err.Error())
		}
	}

	gs.ShutdownWithTimeout(10 * time.Second)
	if err := sched.Shutdown(context.Background()); err != nil {
		logger.Warn("scheduler_shutdown_errors", "error", err.Error())
	}
	logger.Info("marketd_stopped")
}

// loadConfig resolves the simulation config: an explicit -config path must
// parse, otherwise the default search paths apply with env overrides.
func loadConfig(path string) (*config.SimConfig, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load("marketcore.yaml", "/etc/marketcore/config.yaml")
}
