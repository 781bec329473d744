package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bottomfeed/pkg/audit"
	"bottomfeed/pkg/auth"
	"bottomfeed/pkg/challenge"
	"bottomfeed/pkg/exporter"
	"bottomfeed/pkg/hardening"
	"bottomfeed/pkg/httpx"
	"bottomfeed/pkg/metrics"
	"bottomfeed/pkg/models"
	"bottomfeed/pkg/ratelimit"
	"bottomfeed/pkg/session"
	"bottomfeed/pkg/stats"
	"bottomfeed/pkg/store"
	"bottomfeed/pkg/stream"
	"bottomfeed/pkg/tasks"
	"bottomfeed/pkg/telemetry"
	"bottomfeed/pkg/webhook"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type verifierStore interface {
	session.Store
	stats.Store
	Agent(ctx context.Context, id string) (*models.Agent, error)
	AgentByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error)
}

type Server struct {
	Store        verifierStore
	Orchestrator *session.Orchestrator
	Aggregator   *stats.Aggregator
	Audit        *audit.Writer
	Events       *stream.Hub
	Metrics      *metrics.Registry
	Limiter      ratelimit.Limiter
	Runner       *tasks.Runner

	VerifyRateLimit int
	ServiceToken    string
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (*store.Verification, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runVerifier(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("verifier: %v", err)
	}
}

func runVerifier(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*store.Verification, func(), error),
	listen func(*http.Server) error,
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
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "verifier")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	serviceToken := env("VERIFIER_SERVICE_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "verifier",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:           env("AUTH_MODE", "apikey"),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "VERIFIER_SERVICE_TOKEN", Value: serviceToken},
		},
	}); err != nil {
		return err
	}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		rc, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, using in-process fallbacks: %v", err)
		} else {
			redisClient = rc
		}
	}
	cache := store.NewCache(ctx, redisClient)

	window := time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 3600)) * time.Second
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, window)
	} else {
		limiter = ratelimit.NewInMemory(window)
	}

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
	events := stream.NewHub()
	reg := metrics.NewRegistry()

	orch := session.NewOrchestrator(db, deliverer, challenge.New())
	orch.Events = events
	orch.Audit = auditWriter
	orch.Cache = cache
	orch.Metrics = reg

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
	}

	s := &Server{
		Store:           db,
		Orchestrator:    orch,
		Aggregator:      stats.NewAggregator(db),
		Audit:           auditWriter,
		Events:          events,
		Metrics:         reg,
		Limiter:         limiter,
		Runner:          tasks.NewRunner(),
		VerifyRateLimit: envInt("VERIFY_RATE_LIMIT", 5),
		ServiceToken:    serviceToken,
	}
	go s.metricsLoop(ctx)

	r := s.routes()
	addr := env("ADDR", ":8084")
	log.Printf("verifier listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("verifier"))
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "verifier"})
	})

	agentAuth := auth.Middleware(env("AUTH_MODE", "apikey"), s.Store)
	r.Group(func(r chi.Router) {
		r.Use(agentAuth)
		r.Post("/verify-agent", s.startVerification)
		r.Get("/verify-agent/{sessionID}", s.sessionStatus)
		r.Post("/verify-agent/{sessionID}/run", s.runSession)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.ServiceToken(s.ServiceToken))
		r.Get("/v1/verification/stats", s.platformStats)
		r.Get("/v1/verification/agents/{agentID}", s.agentStats)
		r.Get("/v1/verification/agents/{agentID}/events", s.agentEvents)
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	})

	r.Get("/v1/verification/events", s.streamEvents)
	return r
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) startVerification(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "agent required")
		return
	}
	if s.Limiter != nil {
		if d := s.Limiter.Allow("verify:"+agent.ID, s.VerifyRateLimit); !d.Allowed {
			if ra := d.RetryAfter(time.Now().UTC()); ra > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(ra/time.Second)+1))
			}
			httpx.Error(w, http.StatusTooManyRequests, "verification rate limit exceeded")
			return
		}
	}
	if agent.Verified {
		httpx.WriteJSON(w, 200, map[string]any{
			"status":   "already_verified",
			"agent_id": agent.ID,
		})
		return
	}

	sess, created, err := s.Orchestrator.StartSession(r.Context(), agent)
	if err != nil {
		if errors.Is(err, session.ErrProbeFailed) {
			reason := "cannot_reach"
			if errors.Is(err, webhook.ErrCannotConnect) {
				reason = "cannot_connect"
			}
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":  "webhook probe failed",
				"reason": reason,
			})
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not create session")
		return
	}
	s.Metrics.IncSessionState(sess.Status)

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, map[string]any{
		"session_id":          sess.ID,
		"status":              sess.Status,
		"created":             created,
		"started_at":          sess.StartedAt,
		"verification_period": strconv.Itoa(session.WindowDays) + " days",
		"total_challenges":    session.TallySession(sess).Total,
		"instructions":        verificationInstructions(),
		"webhook_format":      webhookFormatExample(),
	})
}

// Returned with every new session so operators can wire their webhook
// without leaving the API.
func verificationInstructions() []string {
	secs := int(webhook.DefaultRespondWithin / time.Second)
	return []string{
		"Challenges arrive at your webhook in bursts of 3 over the next " + strconv.Itoa(session.WindowDays) + " days.",
		"Answer every challenge within " + strconv.Itoa(secs) + " seconds of delivery.",
		`Reply HTTP 200 with {"response": "<your answer>"} for each challenge.`,
		"Deliveries your webhook never receives are skipped, not scored against you.",
	}
}

func webhookFormatExample() map[string]any {
	return map[string]any{
		"type":                   "verification_challenge",
		"challenge_id":           "<uuid>",
		"prompt":                 "<string>",
		"respond_within_seconds": int(webhook.DefaultRespondWithin / time.Second),
		"metadata":               map[string]int{"burst_index": 1, "burst_size": webhook.BurstSize},
	}
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, err := s.Orchestrator.Status(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			httpx.Error(w, http.StatusNotFound, "session not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not load session")
		return
	}
	agent, ok := auth.AgentFromContext(r.Context())
	if ok && agent.ID != "anonymous" && agent.ID != view.AgentID {
		httpx.Error(w, http.StatusForbidden, "not your session")
		return
	}
	httpx.WriteJSON(w, 200, view)
}

// runSession starts the in-process driver for a session. The scheduler
// normally owns dispatch; this endpoint exists for single-node deployments
// and tests.
func (s *Server) runSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not load session")
		return
	}
	if sess == nil {
		httpx.Error(w, http.StatusNotFound, "session not found")
		return
	}
	agent, ok := auth.AgentFromContext(r.Context())
	if ok && agent.ID != "anonymous" && agent.ID != sess.AgentID {
		httpx.Error(w, http.StatusForbidden, "not your session")
		return
	}
	// Only pending sessions may be driven from here. An in_progress session
	// already has a driver (this process or the scheduler); starting a second
	// Run loop would double-deliver its due bursts.
	if sess.Status != models.SessionPending {
		msg := "session already started"
		if sess.Terminal() {
			msg = "session already completed"
		}
		httpx.Error(w, http.StatusConflict, msg)
		return
	}
	if !s.Runner.Go(context.Background(), "session:"+sessionID, func(ctx context.Context) error {
		return s.Orchestrator.Run(ctx, sessionID)
	}) {
		httpx.Error(w, http.StatusConflict, "session already running")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{
		"session_id":       sessionID,
		"status":           "in_progress",
		"check_status_url": "/verify-agent/" + sessionID,
	})
}

func (s *Server) platformStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Aggregator.Summarize(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not aggregate stats")
		return
	}
	httpx.WriteJSON(w, 200, summary)
}

func (s *Server) agentStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	view, err := s.Aggregator.Agent(r.Context(), agentID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not load agent stats")
		return
	}
	if view == nil {
		httpx.Error(w, http.StatusNotFound, "no verification history")
		return
	}
	httpx.WriteJSON(w, 200, view)
}

func (s *Server) agentEvents(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit := envInt("AUDIT_EVENTS_LIMIT", 100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.Audit.AgentEvents(r.Context(), agentID, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not load events")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"agent_id": agentID, "events": events})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Store == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	counts, err := s.Store.SessionCounts(ctx)
	if err != nil {
		return
	}
	active := counts[models.SessionPending] + counts[models.SessionInProgress]
	s.Metrics.SetGauge("sessions_active", float64(active))
	s.Metrics.SetGauge("sessions_passed", float64(counts[models.SessionPassed]))
	s.Metrics.SetGauge("sessions_failed", float64(counts[models.SessionFailed]))
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
