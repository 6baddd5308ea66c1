// noetl-worker runs one Action Dispatcher process: it leases jobs from the
// shared PostgreSQL queue, executes them against the registered action
// types and reports terminal events back to the event log. Grounded on the
// teacher's cmd/tarsy/main.go for the .env/config/database bring-up shape,
// generalized from a single HTTP service to a polling worker process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/dispatcher"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/executor"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/workload"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v; continuing with existing environment", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	credentialPassphrase := os.Getenv("NOETL_CREDENTIAL_PASSPHRASE")
	if credentialPassphrase == "" {
		log.Fatal("NOETL_CREDENTIAL_PASSPHRASE is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("loading database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer dbClient.Close()
	slog.Info("connected to postgresql", "host", dbCfg.Host, "database", dbCfg.Database)

	workerCfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("loading worker config: %v", err)
	}

	encryptor, err := credential.NewEncryptor(credentialPassphrase)
	if err != nil {
		log.Fatalf("creating credential encryptor: %v", err)
	}

	eventLog := eventlog.New(dbClient.Pool)
	q := queue.New(dbClient.Pool)
	creds := credential.New(dbClient.Pool, encryptor)
	wl := workload.New(dbClient.Pool)
	rt := runtime.New(dbClient.Pool)

	registry := executor.NewRegistry()
	registry.Register("noop", executor.Noop{})
	registry.Register("http", executor.NewHTTP())

	workerID := getEnv("NOETL_WORKER_ID", "worker-"+uuid.NewString())
	capabilities := registeredActionTypes(registry, "noop", "http")

	runtimeID, err := rt.Register(ctx, workerCfg.WorkerPoolName, capabilities)
	if err != nil {
		log.Fatalf("registering runtime: %v", err)
	}
	slog.Info("runtime registered", "runtime_id", runtimeID, "pool", workerCfg.WorkerPoolName, "capabilities", capabilities)

	dispatcherCfg := workerCfg.DispatcherConfig(workerID, capabilities)
	d := dispatcher.New(dispatcherCfg, q, eventLog, creds, registry, wl)
	d.Start(ctx)

	go runRuntimeHeartbeat(ctx, rt, runtimeID, workerCfg.WorkerPoolName, capabilities, workerCfg.HeartbeatInterval)

	slog.Info("worker started", "worker_id", workerID, "pool", workerCfg.WorkerPoolName)
	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight jobs")
	d.Stop()

	stats := d.Stats()
	slog.Info("worker stopped", "processed", stats.Processed)
}

// registeredActionTypes reports which of the given action types the
// registry actually knows, so the worker never advertises a capability it
// cannot serve.
func registeredActionTypes(registry *executor.Registry, candidates ...string) []string {
	var out []string
	for _, c := range candidates {
		if _, ok := registry.Resolve(c); ok {
			out = append(out, c)
		}
	}
	return out
}

func runRuntimeHeartbeat(ctx context.Context, rt *runtime.Registry, runtimeID, poolName string, capabilities []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.Heartbeat(ctx, runtimeID, poolName, capabilities, model.RuntimeReady); err != nil {
				slog.Error("runtime heartbeat failed", "error", err)
			}
		}
	}
}
