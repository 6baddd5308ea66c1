// noetl-server hosts the Broker evaluation loop, the REST/WebSocket API and
// the PostgreSQL NOTIFY listener that pushes events to connected clients.
// Grounded on the teacher's cmd/tarsy/main.go: .env loading, config/database
// init, service construction, then a router serve loop.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/credential"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/events"
	"github.com/noetl/noetl/pkg/metrics"
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

	httpAddr := ":" + getEnv("NOETL_HTTP_PORT", "8080")
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

	encryptor, err := credential.NewEncryptor(credentialPassphrase)
	if err != nil {
		log.Fatalf("creating credential encryptor: %v", err)
	}

	eventLog := eventlog.New(dbClient.Pool)
	q := queue.New(dbClient.Pool)
	cat := catalog.New(dbClient.Pool)
	creds := credential.New(dbClient.Pool, encryptor)
	wl := workload.New(dbClient.Pool)
	rt := runtime.New(dbClient.Pool)
	b := broker.New(dbClient.Pool, eventLog, q, cat, creds)

	connManager := events.NewConnectionManager(events.NewEventLogAdapter(eventLog), 10*time.Second)
	notifyListener := events.NewNotifyListener(dbCfg.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		log.Fatalf("starting notify listener: %v", err)
	}
	connManager.SetListener(notifyListener)
	defer notifyListener.Stop(context.Background())

	// The evaluate watcher is what actually advances an execution past its
	// first step: every eventlog.Append fires eventlog.EvaluateChannel, and
	// this is the only thing in the process that turns that into a
	// Broker.Evaluate call. Without it, completion events pile up in the
	// log but nothing ever re-scans them (spec §2's core loop).
	watcher := broker.NewWatcher(dbCfg.DSN(), b, 4)
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("starting broker watcher: %v", err)
	}
	defer watcher.Stop(context.Background())

	server := api.NewServer(b, q, eventLog, wl, rt, connManager, model.DefaultRetryPolicy)

	go runMetricsSampler(ctx, q)
	go runReaper(ctx, q)
	go runOrphanScan(ctx, rt)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpAddr)
		errCh <- server.Start(httpAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
}

// runReaper periodically reclaims jobs whose lease expired without a
// heartbeat (spec §4.4 "Reap"), matching the teacher's use of a ticker
// goroutine for background maintenance work.
func runReaper(ctx context.Context, q *queue.Queue) {
	interval, err := time.ParseDuration(getEnv("NOETL_REAP_INTERVAL_SECONDS", "15") + "s")
	if err != nil {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := q.ReapExpired(ctx, model.DefaultRetryPolicy)
			if err != nil {
				slog.Error("reap expired jobs failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				slog.Info("reaped expired leases", "count", reclaimed)
			}
		}
	}
}

// runMetricsSampler periodically samples queue depth and active lease
// gauges, since those are snapshots rather than events and so cannot be
// pushed from the code paths that mutate them.
func runMetricsSampler(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.DepthByPoolStatus(ctx)
			if err != nil {
				slog.Error("sampling queue depth failed", "error", err)
				continue
			}
			leased := 0
			for _, c := range counts {
				metrics.SetQueueDepth(c.PoolLabel, c.Status, c.Count)
				if c.Status == model.JobLeased {
					leased += c.Count
				}
			}
			metrics.SetActiveLeases(leased)
		}
	}
}

// runOrphanScan periodically marks runtimes that have stopped heartbeating
// as offline (spec §4.6 worker liveness), mirroring runReaper's shape for
// the queue side.
func runOrphanScan(ctx context.Context, rt *runtime.Registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			marked, err := rt.MarkOffline(ctx, 90*time.Second)
			if err != nil {
				slog.Error("marking offline runtimes failed", "error", err)
				continue
			}
			if marked > 0 {
				slog.Info("marked runtimes offline", "count", marked)
			}
		}
	}
}
