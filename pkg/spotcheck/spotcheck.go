// Package spotcheck re-tests already-verified agents with single surprise
// challenges drawn from a restricted category set.
package spotcheck

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"bottomfeed/pkg/audit"
	"bottomfeed/pkg/challenge"
	"bottomfeed/pkg/models"
	"bottomfeed/pkg/stream"
	"bottomfeed/pkg/webhook"
)

// DefaultSampleRate is the per-agent probability of being checked in one
// sweep.
const DefaultSampleRate = 0.2

// Window bounds the spot-check history consulted for trust decisions.
// Older records no longer count against an agent.
const Window = 30 * 24 * time.Hour

// A failing agent is flagged for trust-tier review once its windowed
// failure rate crosses flagRate with at least flagMinAttempts attempts.
const (
	flagMinAttempts = 3
	flagRate        = 0.5
)

// Store is the slice of the verification store the checker needs.
type Store interface {
	VerifiedAgents(ctx context.Context) ([]models.Agent, error)
	AppendSpotCheck(ctx context.Context, r models.SpotCheckRecord) error
	SpotChecksSince(ctx context.Context, agentID string, since time.Time) ([]models.SpotCheckRecord, error)
	Stats(ctx context.Context, agentID string) (*models.AgentVerificationStats, error)
	UpsertStats(ctx context.Context, s *models.AgentVerificationStats) error
}

// Deliverer sends a single challenge to an agent webhook.
type Deliverer interface {
	Deliver(ctx context.Context, webhookURL string, c models.GeneratedChallenge, burstIndex, burstSize int) webhook.Result
}

// Exporter publishes spot-check records downstream. Nil disables it.
type Exporter interface {
	PublishSpotCheck(ctx context.Context, r models.SpotCheckRecord) error
}

// Metrics counts performed spot checks. Nil disables counting.
type Metrics interface {
	IncSpotChecks()
}

type generator interface {
	GenerateSpotCheckChallenge() models.GeneratedChallenge
}

var _ generator = (*challenge.Generator)(nil)

type Checker struct {
	Store      Store
	Deliverer  Deliverer
	Gen        generator
	Audit      *audit.Writer
	Events     *stream.Hub
	Exporter   Exporter
	Metrics    Metrics
	SampleRate float64

	Now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewChecker(st Store, d Deliverer, gen generator) *Checker {
	return &Checker{
		Store:      st,
		Deliverer:  d,
		Gen:        gen,
		SampleRate: DefaultSampleRate,
		Now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the sampling randomness source. Test hook.
func (c *Checker) SetRand(rng *rand.Rand) {
	c.mu.Lock()
	c.rng = rng
	c.mu.Unlock()
}

func (c *Checker) sample() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

// Check delivers one spot-check challenge to the agent and records the
// outcome. Unreachable webhooks record a skip, never a failure.
func (c *Checker) Check(ctx context.Context, agent *models.Agent) (models.SpotCheckRecord, error) {
	gc := c.Gen.GenerateSpotCheckChallenge()
	res := c.Deliverer.Deliver(ctx, agent.WebhookURL, gc, 0, 1)

	rec := models.SpotCheckRecord{
		AgentID:   agent.ID,
		Timestamp: c.Now().UTC(),
		Passed:    res.Status == models.ChallengePassed,
		Skipped:   res.Status == models.ChallengeSkipped,
		Response:  res.RawResponse,
		Error:     res.FailureReason,
	}
	if !rec.Skipped {
		ms := res.ResponseTimeMs
		rec.ResponseTimeMs = &ms
	}
	if err := c.Store.AppendSpotCheck(ctx, rec); err != nil {
		return rec, err
	}
	if c.Metrics != nil {
		c.Metrics.IncSpotChecks()
	}
	if !rec.Skipped {
		if err := c.bumpStats(ctx, agent.ID, rec.Passed); err != nil {
			return rec, err
		}
		if !rec.Passed {
			c.flagIfFailing(ctx, agent.ID, rec.Timestamp)
		}
	}
	if c.Exporter != nil {
		_ = c.Exporter.PublishSpotCheck(ctx, rec)
	}
	if c.Audit != nil {
		_ = c.Audit.Record(ctx, agent.ID, "", audit.EventSpotCheck, map[string]any{
			"category": gc.Category,
			"passed":   rec.Passed,
			"skipped":  rec.Skipped,
		})
	}
	if c.Events != nil {
		c.Events.Publish(stream.NewEvent("spotcheck.completed", map[string]any{
			"agent_id": agent.ID,
			"passed":   rec.Passed,
			"skipped":  rec.Skipped,
		}))
	}
	return rec, nil
}

func (c *Checker) bumpStats(ctx context.Context, agentID string, passed bool) error {
	stats, err := c.Store.Stats(ctx, agentID)
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &models.AgentVerificationStats{AgentID: agentID}
	}
	if passed {
		stats.SpotChecksPassed++
	} else {
		stats.SpotChecksFailed++
	}
	stats.RecomputeFailureRate()
	return c.Store.UpsertStats(ctx, stats)
}

// Sweep samples the verified-agent population and checks the selected
// agents. It returns the number of checks performed; per-agent errors are
// collected into the audit trail rather than aborting the sweep.
func (c *Checker) Sweep(ctx context.Context) (int, error) {
	agents, err := c.Store.VerifiedAgents(ctx)
	if err != nil {
		return 0, err
	}
	checked := 0
	for i := range agents {
		if ctx.Err() != nil {
			return checked, ctx.Err()
		}
		if c.sample() >= c.SampleRate {
			continue
		}
		if _, err := c.Check(ctx, &agents[i]); err != nil {
			continue
		}
		checked++
	}
	return checked, nil
}

// flagIfFailing raises a trust-tier review flag when the agent's windowed
// failure rate crosses the threshold. The flag is a signal for the
// platform, never a verdict change.
func (c *Checker) flagIfFailing(ctx context.Context, agentID string, now time.Time) {
	rate, attempted, err := c.FailureRateSince(ctx, agentID, now.Add(-Window))
	if err != nil || attempted < flagMinAttempts || rate < flagRate {
		return
	}
	if c.Audit != nil {
		_ = c.Audit.Record(ctx, agentID, "", audit.EventSpotCheckAlert, map[string]any{
			"failure_rate": rate,
			"attempted":    attempted,
		})
	}
	if c.Events != nil {
		c.Events.Publish(stream.NewEvent("spotcheck.flagged", map[string]any{
			"agent_id":     agentID,
			"failure_rate": rate,
		}))
	}
}

// FailureRateSince computes the windowed spot-check failure rate for one
// agent. Skipped checks are excluded from the denominator.
func (c *Checker) FailureRateSince(ctx context.Context, agentID string, since time.Time) (float64, int, error) {
	recs, err := c.Store.SpotChecksSince(ctx, agentID, since)
	if err != nil {
		return 0, 0, err
	}
	attempted, failed := 0, 0
	for _, r := range recs {
		if r.Skipped {
			continue
		}
		attempted++
		if !r.Passed {
			failed++
		}
	}
	if attempted == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(attempted), attempted, nil
}
