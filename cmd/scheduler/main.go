// The scheduler dispatches due challenge bursts for every active session
// and runs periodic spot-check sweeps over verified agents. Multiple
// instances coordinate through a redis lock so each tick runs once.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bottomfeed/pkg/audit"
	"bottomfeed/pkg/challenge"
	"bottomfeed/pkg/exporter"
	"bottomfeed/pkg/hardening"
	"bottomfeed/pkg/metrics"
	"bottomfeed/pkg/session"
	"bottomfeed/pkg/spotcheck"
	"bottomfeed/pkg/store"
	"bottomfeed/pkg/tasks"
	"bottomfeed/pkg/telemetry"
	"bottomfeed/pkg/webhook"
)

type schedulerStore interface {
	DueSessionIDs(ctx context.Context, now time.Time) ([]string, error)
}

type Scheduler struct {
	Store        schedulerStore
	Orchestrator *session.Orchestrator
	Checker      *spotcheck.Checker
	Cache        store.Cache
	Runner       *tasks.Runner
	InstanceID   string
	LockTTL      time.Duration
	Now          func() time.Time
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (*store.Verification, func(), error)
	notifyContextFn = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	}
)

func main() {
	if err := runScheduler(initTelemetryFn, openDBFn); err != nil {
		logFatalf("scheduler: %v", err)
	}
}

func runScheduler(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*store.Verification, func(), error),
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (*store.Verification, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return store.NewVerification(pool), pool.Close, nil
		}
	}

	ctx, stop := notifyContextFn(context.Background())
	defer stop()

	shutdown, err := initTelemetry(ctx, "scheduler")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "scheduler",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		rc, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, locks degrade to per-instance: %v", err)
		} else {
			redisClient = rc
		}
	}
	cache := store.NewCache(ctx, redisClient)

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: webhook.DefaultRespondWithin + 5*time.Second,
	})
	deliverer := webhook.NewDeliverer(httpClient)
	deliverer.RespondWithin = time.Duration(envInt("RESPOND_WITHIN_SEC", int(webhook.DefaultRespondWithin/time.Second))) * time.Second
	deliverer.ProbeRetries = envInt("PROBE_RETRIES", 0)

	auditWriter := &audit.Writer{
		DB:       db.DB,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   env("AUDIT_REDACT", "true") == "true",
	}

	reg := metrics.NewRegistry()

	gen := challenge.New()
	orch := session.NewOrchestrator(db, deliverer, gen)
	orch.Audit = auditWriter
	orch.Cache = cache
	orch.Metrics = reg

	checker := spotcheck.NewChecker(db, deliverer, gen)
	checker.Audit = auditWriter
	checker.Metrics = reg
	if rate := env("SPOT_CHECK_SAMPLE_RATE", ""); rate != "" {
		if f, err := strconv.ParseFloat(rate, 64); err == nil && f >= 0 && f <= 1 {
			checker.SampleRate = f
		}
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		exp, err := exporter.NewKafkaExporter(exporter.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EXPORT_TOPIC", "verification.artifacts"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = exp.Close() }()
		orch.Exporter = exp
		checker.Exporter = exp
	}

	s := &Scheduler{
		Store:        db,
		Orchestrator: orch,
		Checker:      checker,
		Cache:        cache,
		Runner:       tasks.NewRunner(),
		InstanceID:   uuid.NewString(),
		LockTTL:      time.Duration(envInt("SCHEDULER_LOCK_TTL_SEC", 55)) * time.Second,
		Now:          time.Now,
	}

	if addr := env("METRICS_ADDR", ""); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","service":"scheduler"}`))
		})
		mux.HandleFunc("/metrics", reg.Handler())
		mux.HandleFunc("/metrics/prometheus", reg.PrometheusHandler())
		msrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics listener: %v", err)
			}
		}()
		defer func() { _ = msrv.Close() }()
	}

	tickInterval := time.Duration(envInt("TICK_INTERVAL_SEC", 60)) * time.Second
	sweepInterval := time.Duration(envInt("SPOT_CHECK_INTERVAL_SEC", 6*3600)) * time.Second
	log.Printf("scheduler started: tick every %s, sweep every %s", tickInterval, sweepInterval)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stopping")
			s.Runner.Wait()
			return nil
		case <-tick.C:
			s.tickSessions(ctx)
		case <-sweep.C:
			s.sweepSpotChecks(ctx)
		}
	}
}

// tickSessions dispatches every burst that has come due across active
// sessions. Per-session failures are logged and skipped so one broken
// webhook cannot stall the rest of the population.
func (s *Scheduler) tickSessions(ctx context.Context) {
	if !s.acquireLock(ctx, "tick") {
		return
	}
	ids, err := s.Store.DueSessionIDs(ctx, s.Now().UTC())
	if err != nil {
		log.Printf("due session query failed: %v", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if s.Runner == nil {
			if err := s.Orchestrator.Tick(ctx, id); err != nil {
				log.Printf("session %s tick failed: %v", id, err)
			}
			continue
		}
		// Keyed so a slow webhook cannot stack ticks for one session.
		s.Runner.Go(ctx, "session:"+id, func(ctx context.Context) error {
			return s.Orchestrator.Tick(ctx, id)
		})
	}
}

func (s *Scheduler) sweepSpotChecks(ctx context.Context) {
	if !s.acquireLock(ctx, "sweep") {
		return
	}
	n, err := s.Checker.Sweep(ctx)
	if err != nil {
		log.Printf("spot check sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("spot check sweep: %d agents checked", n)
	}
}

// acquireLock claims the named scheduler duty for this tick. When the
// cache is memory-backed (single instance) the claim always succeeds.
func (s *Scheduler) acquireLock(ctx context.Context, duty string) bool {
	if s.Cache == nil {
		return true
	}
	ok, err := s.Cache.SetNX(ctx, "verify:scheduler:"+duty, s.InstanceID, s.LockTTL)
	if err != nil {
		// A broken lock backend should degrade to running, not to a
		// platform-wide stall.
		return true
	}
	return ok
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
