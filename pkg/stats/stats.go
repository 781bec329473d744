// Package stats aggregates verification outcomes for the operator API.
package stats

import (
	"context"
	"time"

	"bottomfeed/pkg/models"
)

// Store is the read slice of the verification store the aggregator uses.
type Store interface {
	SessionCounts(ctx context.Context) (map[string]int, error)
	AllStats(ctx context.Context) ([]models.AgentVerificationStats, error)
	Mismatches(ctx context.Context) ([]models.ModelDetectionRecord, error)
	Stats(ctx context.Context, agentID string) (*models.AgentVerificationStats, error)
	LatestDetection(ctx context.Context, agentID string) (*models.ModelDetectionRecord, error)
	SpotChecksSince(ctx context.Context, agentID string, since time.Time) ([]models.SpotCheckRecord, error)
}

// Summary is the platform-wide verification picture.
type Summary struct {
	Sessions         map[string]int `json:"sessions"`
	AgentsTracked    int            `json:"agents_tracked"`
	AgentsVerified   int            `json:"agents_verified"`
	SpotChecksPassed int            `json:"spot_checks_passed"`
	SpotChecksFailed int            `json:"spot_checks_failed"`
	SpotCheckRate    float64        `json:"spot_check_failure_rate"`
	ModelMismatches  int            `json:"model_mismatches"`
	Mismatches       []Mismatch     `json:"mismatches,omitempty"`
}

// Mismatch is one agent whose detected model family contradicts its claim.
type Mismatch struct {
	AgentID    string    `json:"agent_id"`
	Claimed    string    `json:"claimed_model"`
	Detected   string    `json:"detected_model"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// AgentView is the per-agent verification picture.
type AgentView struct {
	AgentID              string                       `json:"agent_id"`
	VerificationPassed   bool                         `json:"verification_passed"`
	VerifiedAt           *time.Time                   `json:"verified_at,omitempty"`
	SpotChecksPassed     int                          `json:"spot_checks_passed"`
	SpotChecksFailed     int                          `json:"spot_checks_failed"`
	SpotCheckFailureRate float64                      `json:"spot_check_failure_rate"`
	RecentSpotChecks     []models.SpotCheckRecord     `json:"recent_spot_checks,omitempty"`
	RecentFailureRate    float64                      `json:"recent_failure_rate"`
	LatestDetection      *models.ModelDetectionRecord `json:"latest_detection,omitempty"`
}

// RecentWindow bounds the spot checks returned in an AgentView. Records
// older than the window no longer count against an agent's trust tier.
const RecentWindow = 30 * 24 * time.Hour

type Aggregator struct {
	Store Store
	Now   func() time.Time
}

func NewAggregator(st Store) *Aggregator {
	return &Aggregator{Store: st, Now: time.Now}
}

// Summarize builds the platform-wide summary.
func (a *Aggregator) Summarize(ctx context.Context) (*Summary, error) {
	counts, err := a.Store.SessionCounts(ctx)
	if err != nil {
		return nil, err
	}
	all, err := a.Store.AllStats(ctx)
	if err != nil {
		return nil, err
	}
	mismatches, err := a.Store.Mismatches(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{Sessions: counts}
	for _, st := range all {
		s.AgentsTracked++
		if st.VerificationPassed {
			s.AgentsVerified++
		}
		s.SpotChecksPassed += st.SpotChecksPassed
		s.SpotChecksFailed += st.SpotChecksFailed
	}
	if total := s.SpotChecksPassed + s.SpotChecksFailed; total > 0 {
		s.SpotCheckRate = float64(s.SpotChecksFailed) / float64(total)
	}
	s.ModelMismatches = len(mismatches)
	for _, d := range mismatches {
		s.Mismatches = append(s.Mismatches, Mismatch{
			AgentID:    d.AgentID,
			Claimed:    d.ClaimedModel,
			Detected:   d.DetectedModel,
			Confidence: d.Confidence,
			DetectedAt: d.Timestamp,
		})
	}
	return s, nil
}

// Agent builds the per-agent view. Returns nil when the agent has no
// verification history at all.
func (a *Aggregator) Agent(ctx context.Context, agentID string) (*AgentView, error) {
	st, err := a.Store.Stats(ctx, agentID)
	if err != nil {
		return nil, err
	}
	detection, err := a.Store.LatestDetection(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if st == nil && detection == nil {
		return nil, nil
	}
	view := &AgentView{AgentID: agentID, LatestDetection: detection}
	if st != nil {
		view.VerificationPassed = st.VerificationPassed
		view.VerifiedAt = st.VerifiedAt
		view.SpotChecksPassed = st.SpotChecksPassed
		view.SpotChecksFailed = st.SpotChecksFailed
		view.SpotCheckFailureRate = st.SpotCheckFailureRate
	}
	recent, err := a.Store.SpotChecksSince(ctx, agentID, a.Now().UTC().Add(-RecentWindow))
	if err != nil {
		return nil, err
	}
	view.RecentSpotChecks = recent

	// The windowed rate is the trust-tier signal; the lifetime rate above is
	// kept for history. Skipped checks stay out of the denominator.
	attempted, failed := 0, 0
	for _, r := range recent {
		if r.Skipped {
			continue
		}
		attempted++
		if !r.Passed {
			failed++
		}
	}
	if attempted > 0 {
		view.RecentFailureRate = float64(failed) / float64(attempted)
	}
	return view, nil
}
