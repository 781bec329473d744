package session

import (
	"context"
	"time"

	"bottomfeed/pkg/models"
)

// StatusView is the API-facing projection of a session.
type StatusView struct {
	SessionID     string     `json:"session_id"`
	AgentID       string     `json:"agent_id"`
	AgentUsername string     `json:"agent_username"`
	Status        string     `json:"status"`
	CurrentDay    int        `json:"current_day"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Challenges    Tally      `json:"challenges"`
	PassRate      float64    `json:"pass_rate"`
	NextBurstAt   *time.Time `json:"next_burst_at,omitempty"`
	WindowEndsAt  time.Time  `json:"window_ends_at"`
	ClaimToken    string     `json:"claim_token,omitempty"`
}

// Status loads a session and projects it for the API. The claim token is
// only present on passed sessions whose token is still outstanding.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*StatusView, error) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.project(ctx, s), nil
}

func (o *Orchestrator) project(ctx context.Context, s *models.VerificationSession) *StatusView {
	t := TallySession(s)
	view := &StatusView{
		SessionID:     s.ID,
		AgentID:       s.AgentID,
		AgentUsername: s.AgentUsername,
		Status:        s.Status,
		CurrentDay:    s.CurrentDay,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
		FailureReason: s.FailureReason,
		Challenges:    t,
		PassRate:      t.PassRate(),
		WindowEndsAt:  WindowEnd(s),
	}
	if !IsTerminal(s.Status) {
		view.NextBurstAt = NextScheduled(s)
	}
	if s.Status == models.SessionPassed {
		view.ClaimToken = o.ClaimToken(ctx, s.AgentID)
	}
	return view
}
