package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"bottomfeed/pkg/audit"
	"bottomfeed/pkg/fingerprint"
	"bottomfeed/pkg/models"
	"bottomfeed/pkg/store"
	"bottomfeed/pkg/stream"
	"bottomfeed/pkg/webhook"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotPending      = errors.New("session is not pending")
	ErrProbeFailed     = errors.New("webhook probe failed")
)

// Store is the slice of the verification store the orchestrator needs.
type Store interface {
	CreateSession(ctx context.Context, s *models.VerificationSession) error
	UpdateSession(ctx context.Context, s *models.VerificationSession) error
	GetSession(ctx context.Context, id string) (*models.VerificationSession, error)
	ActiveSessionForAgent(ctx context.Context, agentID string) (*models.VerificationSession, error)
	AppendResponse(ctx context.Context, r models.ChallengeResponse) error
	SessionResponses(ctx context.Context, sessionID string) ([]models.ChallengeResponse, error)
	AppendDetection(ctx context.Context, d models.ModelDetectionRecord) error
	Stats(ctx context.Context, agentID string) (*models.AgentVerificationStats, error)
	UpsertStats(ctx context.Context, s *models.AgentVerificationStats) error
	MarkAgentVerified(ctx context.Context, agentID string, webhookURL string) error
}

// Deliverer dispatches probes and challenge bursts to agent webhooks.
type Deliverer interface {
	Probe(ctx context.Context, webhookURL string) error
	DeliverBurst(ctx context.Context, webhookURL string, burst []models.GeneratedChallenge) []webhook.Result
}

// Exporter publishes verification artifacts for downstream consumers.
// A nil exporter disables publishing.
type Exporter interface {
	PublishResponse(ctx context.Context, r models.ChallengeResponse) error
	PublishDetection(ctx context.Context, d models.ModelDetectionRecord) error
}

// Metrics receives session and delivery counters. *metrics.Registry
// satisfies it; nil disables counting.
type Metrics interface {
	IncVerdictReason(verdict, reason string)
	IncSessionState(state string)
	IncChallengeStatus(status string)
	ObserveDeliveryLatency(d time.Duration)
}

// Orchestrator owns the verification session lifecycle: plan build, burst
// dispatch, verdicts, and the model-detection pass on completion.
type Orchestrator struct {
	Store     Store
	Deliverer Deliverer
	Gen       generator
	Events    *stream.Hub
	Audit     *audit.Writer
	Exporter  Exporter
	Metrics   Metrics
	Cache     store.Cache

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

func NewOrchestrator(st Store, d Deliverer, gen generator) *Orchestrator {
	return &Orchestrator{
		Store:     st,
		Deliverer: d,
		Gen:       gen,
		Now:       time.Now,
		Sleep:     sleepCtx,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetRand replaces the plan-layout randomness source. Test hook.
func (o *Orchestrator) SetRand(rng *rand.Rand) {
	o.mu.Lock()
	o.rng = rng
	o.mu.Unlock()
}

// StartSession probes the webhook and persists a fresh pending session for
// the agent. A concurrent or repeated create for the same agent is a no-op
// that returns the already-active session with created=false.
func (o *Orchestrator) StartSession(ctx context.Context, agent *models.Agent) (*models.VerificationSession, bool, error) {
	if err := webhook.ValidateURL(agent.WebhookURL); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if err := o.Deliverer.Probe(ctx, agent.WebhookURL); err != nil {
		o.record(ctx, agent.ID, "", audit.EventProbeRejected, map[string]any{
			"webhook_url": agent.WebhookURL,
			"error":       err.Error(),
		})
		return nil, false, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	now := o.Now().UTC()
	o.mu.Lock()
	plan := BuildPlan(o.Gen, o.rng, now)
	o.mu.Unlock()

	s := &models.VerificationSession{
		ID:              uuid.NewString(),
		AgentID:         agent.ID,
		AgentUsername:   agent.Username,
		ClaimedModel:    agent.ClaimedModel,
		WebhookURL:      agent.WebhookURL,
		Status:          models.SessionPending,
		StartedAt:       now,
		CurrentDay:      1,
		DailyChallenges: plan,
	}
	err := o.Store.CreateSession(ctx, s)
	if errors.Is(err, store.ErrDuplicateSession) {
		existing, lookupErr := o.Store.ActiveSessionForAgent(ctx, agent.ID)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if existing == nil {
			return nil, false, err
		}
		o.record(ctx, agent.ID, existing.ID, audit.EventDuplicateCreate, nil)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	o.record(ctx, agent.ID, s.ID, audit.EventSessionCreated, map[string]any{
		"webhook_url":   agent.WebhookURL,
		"claimed_model": agent.ClaimedModel,
		"challenges":    TallySession(s).Total,
	})
	o.publish(stream.NewEvent("session.created", map[string]string{
		"session_id": s.ID,
		"agent_id":   s.AgentID,
	}))
	return s, true, nil
}

// Run drives a session through its full window in-process, sleeping until
// each burst comes due. It returns when the session reaches a terminal
// status or ctx is cancelled. Restart-safe: it resumes from whatever the
// stored plan says is still pending.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	for {
		s, err := o.load(ctx, sessionID)
		if err != nil {
			return err
		}
		if IsTerminal(s.Status) {
			return nil
		}

		next := NextScheduled(s)
		now := o.Now().UTC()
		if next == nil || now.After(WindowEnd(s)) {
			return o.finalize(ctx, s)
		}
		if wait := next.Sub(now); wait > 0 {
			if err := o.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if _, err := o.dispatchDue(ctx, s); err != nil {
			return err
		}
		if IsTerminal(s.Status) {
			return nil
		}
	}
}

// Tick dispatches any bursts that are due at now and finalizes the session
// if the window has elapsed or a verdict is already forced. It does not
// block waiting for future bursts; the scheduler calls it repeatedly.
func (o *Orchestrator) Tick(ctx context.Context, sessionID string) error {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if IsTerminal(s.Status) {
		return nil
	}
	dispatched, err := o.dispatchDue(ctx, s)
	if err != nil {
		return err
	}
	if IsTerminal(s.Status) {
		return nil
	}
	now := o.Now().UTC()
	if now.After(WindowEnd(s)) || NextScheduled(s) == nil {
		return o.finalize(ctx, s)
	}
	_ = dispatched
	return nil
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*models.VerificationSession, error) {
	s, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// dispatchDue sends every burst whose slot is at or before now, persisting
// the session after each burst. It may finalize the session early when a
// verdict becomes forced.
func (o *Orchestrator) dispatchDue(ctx context.Context, s *models.VerificationSession) (int, error) {
	dispatched := 0
	for {
		now := o.Now().UTC()
		if now.After(WindowEnd(s)) {
			return dispatched, o.finalize(ctx, s)
		}
		var due *burst
		for _, b := range pendingBursts(s) {
			if !b.at.After(now) {
				due = &b
				break
			}
		}
		if due == nil {
			return dispatched, nil
		}

		if s.Status == models.SessionPending {
			s.Status = models.SessionInProgress
			o.record(ctx, s.AgentID, s.ID, audit.EventSessionStarted, nil)
			o.publish(stream.NewEvent("session.started", map[string]string{
				"session_id": s.ID,
				"agent_id":   s.AgentID,
			}))
			if o.Metrics != nil {
				o.Metrics.IncSessionState(s.Status)
			}
		}
		s.CurrentDay = due.day

		if err := o.sendBurst(ctx, s, due); err != nil {
			return dispatched, err
		}
		dispatched++

		if Unrecoverable(TallySession(s)) {
			return dispatched, o.conclude(ctx, s)
		}
		if err := o.Store.UpdateSession(ctx, s); err != nil {
			return dispatched, err
		}
		if NextScheduled(s) == nil {
			return dispatched, o.finalize(ctx, s)
		}
	}
}

func (o *Orchestrator) sendBurst(ctx context.Context, s *models.VerificationSession, b *burst) error {
	challenges := make([]models.GeneratedChallenge, len(b.records))
	for i, r := range b.records {
		challenges[i] = r.GeneratedChallenge
	}
	sentAt := o.Now().UTC()
	results := o.Deliverer.DeliverBurst(ctx, s.WebhookURL, challenges)

	if o.Metrics != nil {
		for _, res := range results {
			o.Metrics.IncChallengeStatus(res.Status)
			if res.Status != models.ChallengeSkipped {
				o.Metrics.ObserveDeliveryLatency(time.Duration(res.ResponseTimeMs) * time.Millisecond)
			}
		}
	}

	for i, r := range b.records {
		res := results[i]
		respondedAt := sentAt.Add(time.Duration(res.ResponseTimeMs) * time.Millisecond)
		r.Status = res.Status
		r.SentAt = &sentAt
		r.FailureReason = res.FailureReason
		if res.Status != models.ChallengeSkipped {
			r.RespondedAt = &respondedAt
			resp := models.ChallengeResponse{
				AgentID:     s.AgentID,
				SessionID:   s.ID,
				ChallengeID: r.ID,
				Category:    r.Category,
				Prompt:      r.Prompt,
				Response:    res.RawResponse,
				Passed:      res.Status == models.ChallengePassed,
				RespondedAt: respondedAt,
			}
			if err := o.Store.AppendResponse(ctx, resp); err != nil {
				return err
			}
			if o.Exporter != nil {
				_ = o.Exporter.PublishResponse(ctx, resp)
			}
		}
	}

	o.record(ctx, s.AgentID, s.ID, audit.EventBurstSent, map[string]any{
		"day":  b.day,
		"size": len(b.records),
	})
	o.publish(stream.NewEvent("session.burst", map[string]any{
		"session_id": s.ID,
		"agent_id":   s.AgentID,
		"day":        b.day,
		"size":       len(b.records),
	}))
	return nil
}

// finalize marks the remaining pending challenges skipped and concludes
// the session.
func (o *Orchestrator) finalize(ctx context.Context, s *models.VerificationSession) error {
	elapsed := false
	for _, c := range s.AllChallenges() {
		if c.Status == models.ChallengePending {
			c.Status = models.ChallengeSkipped
			c.FailureReason = "window elapsed"
			elapsed = true
		}
	}
	if elapsed {
		o.record(ctx, s.AgentID, s.ID, audit.EventWindowElapsed, nil)
	}
	return o.conclude(ctx, s)
}

// conclude sweeps any still-pending challenges to skipped, applies the
// verdict, persists the terminal session, and runs the post-verdict
// bookkeeping.
func (o *Orchestrator) conclude(ctx context.Context, s *models.VerificationSession) error {
	for _, c := range s.AllChallenges() {
		if c.Status == models.ChallengePending {
			c.Status = models.ChallengeSkipped
			if c.FailureReason == "" {
				c.FailureReason = "session concluded"
			}
		}
	}
	t := TallySession(s)
	now := o.Now().UTC()
	passed := Passes(t)

	target := models.SessionFailed
	if passed {
		target = models.SessionPassed
	}
	if s.Status == models.SessionPending {
		// Never dispatched anything; pending can only fail.
		target = models.SessionFailed
		passed = false
	}
	next, err := Transition(s.Status, target)
	if err != nil {
		return err
	}
	s.Status = next
	s.CompletedAt = &now
	if !passed {
		s.FailureReason = failureReason(t)
	}
	if err := o.Store.UpdateSession(ctx, s); err != nil {
		return err
	}
	if o.Metrics != nil {
		reason := s.FailureReason
		if passed {
			reason = "threshold_met"
		}
		o.Metrics.IncSessionState(s.Status)
		o.Metrics.IncVerdictReason(s.Status, reason)
	}

	detection := o.detect(ctx, s, now)

	eventType := audit.EventSessionFailed
	streamType := "session.failed"
	if passed {
		eventType = audit.EventSessionPassed
		streamType = "session.passed"
	}
	o.record(ctx, s.AgentID, s.ID, eventType, map[string]any{
		"passed":    t.Passed,
		"failed":    t.Failed,
		"skipped":   t.Skipped,
		"pass_rate": t.PassRate(),
		"reason":    s.FailureReason,
	})
	o.publish(stream.NewEvent(streamType, map[string]any{
		"session_id": s.ID,
		"agent_id":   s.AgentID,
		"pass_rate":  t.PassRate(),
	}))

	if passed {
		if err := o.Store.MarkAgentVerified(ctx, s.AgentID, s.WebhookURL); err != nil {
			return err
		}
		if o.Cache != nil {
			_, _ = o.Cache.SetNX(ctx, claimKey(s.AgentID), uuid.NewString(), claimTTL)
		}
	}
	return o.upsertStats(ctx, s, passed, detection, now)
}

// detect runs the model-fingerprint pass over the session's recorded
// responses. Detection failures never block the verdict.
func (o *Orchestrator) detect(ctx context.Context, s *models.VerificationSession, now time.Time) *models.ModelDetectionRecord {
	responses, err := o.Store.SessionResponses(ctx, s.ID)
	if err != nil || len(responses) == 0 {
		return nil
	}
	d := fingerprint.Detect(responses, s.AgentID, s.ID, s.ClaimedModel, now)
	if err := o.Store.AppendDetection(ctx, d); err != nil {
		return nil
	}
	if o.Exporter != nil {
		_ = o.Exporter.PublishDetection(ctx, d)
	}
	o.record(ctx, s.AgentID, s.ID, audit.EventModelDetection, map[string]any{
		"claimed":    d.ClaimedModel,
		"detected":   d.DetectedModel,
		"confidence": d.Confidence,
		"match":      d.Match,
	})
	return &d
}

func (o *Orchestrator) upsertStats(ctx context.Context, s *models.VerificationSession, passed bool, d *models.ModelDetectionRecord, now time.Time) error {
	stats, err := o.Store.Stats(ctx, s.AgentID)
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &models.AgentVerificationStats{AgentID: s.AgentID}
	}
	if passed {
		stats.VerificationPassed = true
		stats.VerifiedAt = &now
	}
	if d != nil {
		stats.DetectedModel = d.DetectedModel
	}
	stats.RecomputeFailureRate()
	return o.Store.UpsertStats(ctx, stats)
}

func failureReason(t Tally) string {
	if t.Attempted() < MinAttempted {
		return fmt.Sprintf("insufficient attempts: %d of %d required", t.Attempted(), MinAttempted)
	}
	return fmt.Sprintf("pass rate %.2f below %.2f threshold", t.PassRate(), PassRateThreshold)
}

func (o *Orchestrator) record(ctx context.Context, agentID, sessionID, eventType string, detail any) {
	if o.Audit == nil {
		return
	}
	_ = o.Audit.Record(ctx, agentID, sessionID, eventType, detail)
}

func (o *Orchestrator) publish(evt stream.Event) {
	if o.Events == nil {
		return
	}
	o.Events.Publish(evt)
}

const claimTTL = 24 * time.Hour

func claimKey(agentID string) string {
	return "verify:claim:" + agentID
}

// ClaimToken returns the one-time claim token minted when the agent passed
// verification, or "" when none is outstanding.
func (o *Orchestrator) ClaimToken(ctx context.Context, agentID string) string {
	if o.Cache == nil {
		return ""
	}
	token, err := o.Cache.Get(ctx, claimKey(agentID))
	if err != nil {
		return ""
	}
	return token
}
