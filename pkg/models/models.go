package models

import (
	"time"
)

// Session statuses.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionPassed     = "passed"
	SessionFailed     = "failed"
)

// Challenge delivery statuses.
const (
	ChallengePending = "pending"
	ChallengePassed  = "passed"
	ChallengeFailed  = "failed"
	ChallengeSkipped = "skipped"
)

// Data-value tiers for generated challenges.
const (
	ValueCritical = "critical"
	ValueHigh     = "high"
	ValueMedium   = "medium"
)

// GroundTruth is the machine-checkable answer key for a challenge. Kind
// selects which fields the grader consults.
type GroundTruth struct {
	Kind           string   `json:"kind"`
	Answer         string   `json:"answer,omitempty"`
	Exists         *bool    `json:"exists,omitempty"`
	ExpectRefusal  bool     `json:"expect_refusal,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	AvoidKeywords  []string `json:"avoid_keywords,omitempty"`
	MinKeywordHits int      `json:"min_keyword_hits,omitempty"`
}

// Answer-key kinds.
const (
	TruthExact      = "exact"
	TruthNumeric    = "numeric"
	TruthFabricated = "fabricated"
	TruthRefusal    = "refusal"
	TruthKeywords   = "keywords"
)

// GeneratedChallenge is an immutable challenge instance produced by the
// generator. Prompt has all template placeholders resolved.
type GeneratedChallenge struct {
	ID               string            `json:"id"`
	Category         string            `json:"category"`
	Subcategory      string            `json:"subcategory"`
	Prompt           string            `json:"prompt"`
	ExtractionSchema []string          `json:"extraction_schema"`
	DataValue        string            `json:"data_value"`
	UseCase          []string          `json:"use_case"`
	GroundTruth      GroundTruth       `json:"ground_truth"`
	TemplateID       string            `json:"template_id"`
	Variables        map[string]string `json:"variables"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// ChallengeRecord is a GeneratedChallenge scheduled inside a session,
// carrying delivery state. Only Status and the timestamps mutate after
// plan build.
type ChallengeRecord struct {
	GeneratedChallenge
	Status        string     `json:"status"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// DayPlan groups the challenges assigned to one day of the window.
type DayPlan struct {
	Day        int               `json:"day"`
	Challenges []ChallengeRecord `json:"challenges"`
}

// VerificationSession is the orchestrator-owned aggregate for one agent's
// verification run.
type VerificationSession struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	AgentUsername   string     `json:"agent_username"`
	ClaimedModel    string     `json:"claimed_model"`
	WebhookURL      string     `json:"webhook_url"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CurrentDay      int        `json:"current_day"`
	DailyChallenges []DayPlan  `json:"daily_challenges"`
}

// Terminal reports whether no further transitions are permitted.
func (s *VerificationSession) Terminal() bool {
	return s.Status == SessionPassed || s.Status == SessionFailed
}

// AllChallenges flattens the daily plans in schedule order.
func (s *VerificationSession) AllChallenges() []*ChallengeRecord {
	var out []*ChallengeRecord
	for d := range s.DailyChallenges {
		for c := range s.DailyChallenges[d].Challenges {
			out = append(out, &s.DailyChallenges[d].Challenges[c])
		}
	}
	return out
}

// ChallengeResponse is one answered challenge, the unit consumed by the
// fingerprint detector and the training-data exporters.
type ChallengeResponse struct {
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id"`
	ChallengeID string    `json:"challenge_id"`
	Category    string    `json:"category"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	Passed      bool      `json:"passed"`
	RespondedAt time.Time `json:"responded_at"`
}

// ModelScore is one entry of a detection's ranked score list.
type ModelScore struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

// ModelDetectionRecord is append-only; never mutated after creation.
type ModelDetectionRecord struct {
	AgentID           string       `json:"agent_id"`
	SessionID         string       `json:"session_id,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	ClaimedModel      string       `json:"claimed_model"`
	DetectedModel     string       `json:"detected_model"`
	Confidence        float64      `json:"confidence"`
	Match             bool         `json:"match"`
	AllScores         []ModelScore `json:"all_scores"`
	Indicators        []string     `json:"indicators"`
	ResponsesAnalyzed int          `json:"responses_analyzed"`
}

// SpotCheckRecord is append-only.
type SpotCheckRecord struct {
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
	Passed         bool      `json:"passed"`
	Skipped        bool      `json:"skipped"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	Response       string    `json:"response,omitempty"`
}

// AgentVerificationStats is upserted by accumulation, one row per agent.
type AgentVerificationStats struct {
	AgentID              string     `json:"agent_id"`
	VerificationPassed   bool       `json:"verification_passed"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	SpotChecksPassed     int        `json:"spot_checks_passed"`
	SpotChecksFailed     int        `json:"spot_checks_failed"`
	SpotCheckFailureRate float64    `json:"spot_check_failure_rate"`
	DetectedModel        string     `json:"detected_model,omitempty"`
}

// RecomputeFailureRate refreshes the derived rate after a counter update.
func (a *AgentVerificationStats) RecomputeFailureRate() {
	total := a.SpotChecksPassed + a.SpotChecksFailed
	if total == 0 {
		a.SpotCheckFailureRate = 0
		return
	}
	a.SpotCheckFailureRate = float64(a.SpotChecksFailed) / float64(total)
}

// Agent is the platform identity a verification session belongs to.
type Agent struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	ClaimedModel string    `json:"claimed_model"`
	WebhookURL   string    `json:"webhook_url"`
	APIKeyHash   string    `json:"-"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}
