package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bottomfeed/pkg/models"
)

// ErrDuplicateSession is returned when an agent already has a session in
// formation. Concurrent duplicate creation (two cron triggers racing) is
// detected by the partial unique index on active sessions; callers treat
// this as a success-no-op.
var ErrDuplicateSession = errors.New("agent already has an active session")

// Querier is the slice of pgx a verification store needs; *pgxpool.Pool
// satisfies it, as do the fake DBs in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Verification is the postgres-backed store for sessions, responses,
// detections, spot checks and per-agent stats. It holds no state beyond
// the connection, so any number of orchestrator instances can share one.
type Verification struct {
	DB Querier
}

func NewVerification(db Querier) *Verification {
	return &Verification{DB: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (v *Verification) CreateSession(ctx context.Context, s *models.VerificationSession) error {
	plan, err := json.Marshal(s.DailyChallenges)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = v.DB.Exec(ctx, `
		INSERT INTO verification_sessions
		(id, agent_id, agent_username, claimed_model, webhook_url, status, started_at, completed_at, failure_reason, current_day, plan)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, s.ID, s.AgentID, s.AgentUsername, s.ClaimedModel, s.WebhookURL, s.Status, s.StartedAt, s.CompletedAt, nullable(s.FailureReason), s.CurrentDay, plan)
	if isUniqueViolation(err) {
		return ErrDuplicateSession
	}
	return err
}

func (v *Verification) UpdateSession(ctx context.Context, s *models.VerificationSession) error {
	plan, err := json.Marshal(s.DailyChallenges)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = v.DB.Exec(ctx, `
		UPDATE verification_sessions
		SET status=$2, completed_at=$3, failure_reason=$4, current_day=$5, plan=$6
		WHERE id=$1
	`, s.ID, s.Status, s.CompletedAt, nullable(s.FailureReason), s.CurrentDay, plan)
	return err
}

// GetSession returns (nil, nil) for an unknown id.
func (v *Verification) GetSession(ctx context.Context, id string) (*models.VerificationSession, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT id, agent_id, agent_username, claimed_model, webhook_url, status, started_at, completed_at, failure_reason, current_day, plan
		FROM verification_sessions WHERE id=$1
	`, id)
	return scanSession(row)
}

// ActiveSessionForAgent returns the agent's pending or in-progress session,
// or (nil, nil) when none is in formation.
func (v *Verification) ActiveSessionForAgent(ctx context.Context, agentID string) (*models.VerificationSession, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT id, agent_id, agent_username, claimed_model, webhook_url, status, started_at, completed_at, failure_reason, current_day, plan
		FROM verification_sessions
		WHERE agent_id=$1 AND status IN ($2,$3)
		ORDER BY started_at DESC
		LIMIT 1
	`, agentID, models.SessionPending, models.SessionInProgress)
	return scanSession(row)
}

// DueSessionIDs lists in-progress or pending sessions with a burst
// scheduled at or before now. Used by the scheduler driver.
func (v *Verification) DueSessionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT id FROM verification_sessions
		WHERE status IN ($1,$2)
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(plan) AS day,
			              jsonb_array_elements(day->'challenges') AS c
			WHERE c->>'status' = $3
			  AND (c->>'scheduled_for')::timestamptz <= $4
		  )
	`, models.SessionPending, models.SessionInProgress, models.ChallengePending, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row pgx.Row) (*models.VerificationSession, error) {
	var (
		s             models.VerificationSession
		completedAt   *time.Time
		failureReason *string
		plan          []byte
	)
	err := row.Scan(&s.ID, &s.AgentID, &s.AgentUsername, &s.ClaimedModel, &s.WebhookURL,
		&s.Status, &s.StartedAt, &completedAt, &failureReason, &s.CurrentDay, &plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CompletedAt = completedAt
	if failureReason != nil {
		s.FailureReason = *failureReason
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &s.DailyChallenges); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	return &s, nil
}

func (v *Verification) AppendResponse(ctx context.Context, r models.ChallengeResponse) error {
	_, err := v.DB.Exec(ctx, `
		INSERT INTO challenge_responses
		(agent_id, session_id, challenge_id, category, prompt, response, passed, responded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.AgentID, r.SessionID, r.ChallengeID, r.Category, r.Prompt, r.Response, r.Passed, r.RespondedAt)
	return err
}

func (v *Verification) SessionResponses(ctx context.Context, sessionID string) ([]models.ChallengeResponse, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT agent_id, session_id, challenge_id, category, prompt, response, passed, responded_at
		FROM challenge_responses WHERE session_id=$1 ORDER BY responded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChallengeResponse
	for rows.Next() {
		var r models.ChallengeResponse
		if err := rows.Scan(&r.AgentID, &r.SessionID, &r.ChallengeID, &r.Category, &r.Prompt, &r.Response, &r.Passed, &r.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v *Verification) AppendDetection(ctx context.Context, d models.ModelDetectionRecord) error {
	scores, err := json.Marshal(d.AllScores)
	if err != nil {
		return err
	}
	indicators, err := json.Marshal(d.Indicators)
	if err != nil {
		return err
	}
	_, err = v.DB.Exec(ctx, `
		INSERT INTO model_detections
		(agent_id, session_id, detected_at, claimed_model, detected_model, confidence, match, all_scores, indicators, responses_analyzed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, d.AgentID, nullable(d.SessionID), d.Timestamp, d.ClaimedModel, d.DetectedModel, d.Confidence, d.Match, scores, indicators, d.ResponsesAnalyzed)
	return err
}

// LatestDetection returns (nil, nil) when the agent has no detections.
func (v *Verification) LatestDetection(ctx context.Context, agentID string) (*models.ModelDetectionRecord, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT agent_id, COALESCE(session_id, ''), detected_at, claimed_model, detected_model, confidence, match, all_scores, indicators, responses_analyzed
		FROM model_detections WHERE agent_id=$1
		ORDER BY detected_at DESC LIMIT 1
	`, agentID)
	d, err := scanDetection(row)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Mismatches returns every detection with match=false, newest first.
func (v *Verification) Mismatches(ctx context.Context) ([]models.ModelDetectionRecord, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT agent_id, COALESCE(session_id, ''), detected_at, claimed_model, detected_model, confidence, match, all_scores, indicators, responses_analyzed
		FROM model_detections WHERE match=false
		ORDER BY detected_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ModelDetectionRecord
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, rows.Err()
}

func scanDetection(row pgx.Row) (*models.ModelDetectionRecord, error) {
	var (
		d          models.ModelDetectionRecord
		scores     []byte
		indicators []byte
	)
	err := row.Scan(&d.AgentID, &d.SessionID, &d.Timestamp, &d.ClaimedModel, &d.DetectedModel,
		&d.Confidence, &d.Match, &scores, &indicators, &d.ResponsesAnalyzed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &d.AllScores); err != nil {
			return nil, err
		}
	}
	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &d.Indicators); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (v *Verification) AppendSpotCheck(ctx context.Context, r models.SpotCheckRecord) error {
	_, err := v.DB.Exec(ctx, `
		INSERT INTO spot_checks (agent_id, checked_at, passed, skipped, response_time_ms, error, response)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, r.AgentID, r.Timestamp, r.Passed, r.Skipped, r.ResponseTimeMs, nullable(r.Error), nullable(r.Response))
	return err
}

// SpotChecksSince returns records inside the window, newest first. Older
// failures fall out of trust-tier decisions instead of counting forever.
func (v *Verification) SpotChecksSince(ctx context.Context, agentID string, since time.Time) ([]models.SpotCheckRecord, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT agent_id, checked_at, passed, skipped, response_time_ms, COALESCE(error,''), COALESCE(response,'')
		FROM spot_checks WHERE agent_id=$1 AND checked_at >= $2
		ORDER BY checked_at DESC
	`, agentID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SpotCheckRecord
	for rows.Next() {
		var r models.SpotCheckRecord
		if err := rows.Scan(&r.AgentID, &r.Timestamp, &r.Passed, &r.Skipped, &r.ResponseTimeMs, &r.Error, &r.Response); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns (nil, nil) for an agent with no stats row yet.
func (v *Verification) Stats(ctx context.Context, agentID string) (*models.AgentVerificationStats, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT agent_id, verification_passed, verified_at, spot_checks_passed, spot_checks_failed, spot_check_failure_rate, COALESCE(detected_model,'')
		FROM agent_verification_stats WHERE agent_id=$1
	`, agentID)
	var s models.AgentVerificationStats
	err := row.Scan(&s.AgentID, &s.VerificationPassed, &s.VerifiedAt, &s.SpotChecksPassed, &s.SpotChecksFailed, &s.SpotCheckFailureRate, &s.DetectedModel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (v *Verification) UpsertStats(ctx context.Context, s *models.AgentVerificationStats) error {
	_, err := v.DB.Exec(ctx, `
		INSERT INTO agent_verification_stats
		(agent_id, verification_passed, verified_at, spot_checks_passed, spot_checks_failed, spot_check_failure_rate, detected_model)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent_id) DO UPDATE SET
			verification_passed=EXCLUDED.verification_passed,
			verified_at=EXCLUDED.verified_at,
			spot_checks_passed=EXCLUDED.spot_checks_passed,
			spot_checks_failed=EXCLUDED.spot_checks_failed,
			spot_check_failure_rate=EXCLUDED.spot_check_failure_rate,
			detected_model=EXCLUDED.detected_model
	`, s.AgentID, s.VerificationPassed, s.VerifiedAt, s.SpotChecksPassed, s.SpotChecksFailed, s.SpotCheckFailureRate, nullable(s.DetectedModel))
	return err
}

func (v *Verification) AllStats(ctx context.Context) ([]models.AgentVerificationStats, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT agent_id, verification_passed, verified_at, spot_checks_passed, spot_checks_failed, spot_check_failure_rate, COALESCE(detected_model,'')
		FROM agent_verification_stats ORDER BY agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AgentVerificationStats
	for rows.Next() {
		var s models.AgentVerificationStats
		if err := rows.Scan(&s.AgentID, &s.VerificationPassed, &s.VerifiedAt, &s.SpotChecksPassed, &s.SpotChecksFailed, &s.SpotCheckFailureRate, &s.DetectedModel); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionCounts returns session totals keyed by status.
func (v *Verification) SessionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := v.DB.Query(ctx, `SELECT status, COUNT(*) FROM verification_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// Agent returns (nil, nil) for an unknown id.
func (v *Verification) Agent(ctx context.Context, id string) (*models.Agent, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT id, username, claimed_model, webhook_url, api_key_hash, verified, created_at
		FROM agents WHERE id=$1
	`, id)
	return scanAgent(row)
}

// AgentByAPIKeyHash resolves a bearer key to its agent, (nil, nil) on miss.
func (v *Verification) AgentByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	row := v.DB.QueryRow(ctx, `
		SELECT id, username, claimed_model, webhook_url, api_key_hash, verified, created_at
		FROM agents WHERE api_key_hash=$1
	`, hash)
	return scanAgent(row)
}

func (v *Verification) MarkAgentVerified(ctx context.Context, agentID string, webhookURL string) error {
	_, err := v.DB.Exec(ctx, `
		UPDATE agents SET verified=true, webhook_url=$2 WHERE id=$1
	`, agentID, webhookURL)
	return err
}

// VerifiedAgents lists agents eligible for spot checking.
func (v *Verification) VerifiedAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := v.DB.Query(ctx, `
		SELECT id, username, claimed_model, webhook_url, api_key_hash, verified, created_at
		FROM agents WHERE verified=true ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Username, &a.ClaimedModel, &a.WebhookURL, &a.APIKeyHash, &a.Verified, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
