//go:build integration

package store

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"bottomfeed/pkg/models"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/store/...
func TestVerificationStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	v := NewVerification(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := pool.Exec(ctx, `
		INSERT INTO agents (id, username, claimed_model, webhook_url, api_key_hash)
		VALUES ('agent-1', 'nanobot', 'claude-opus-4', 'https://agent.example/hook', 'hash-1')
	`); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	sess := &models.VerificationSession{
		ID:         "sess-1",
		AgentID:    "agent-1",
		WebhookURL: "https://agent.example/hook",
		Status:     models.SessionPending,
		StartedAt:  now,
		CurrentDay: 1,
		DailyChallenges: []models.DayPlan{{Day: 1, Challenges: []models.ChallengeRecord{{
			GeneratedChallenge: models.GeneratedChallenge{ID: "hal-1", Category: "hallucination_detection"},
			Status:             models.ChallengePending,
			ScheduledFor:       now.Add(time.Minute),
		}}}},
	}
	if err := v.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Duplicate active session trips the partial unique index.
	dup := *sess
	dup.ID = "sess-2"
	if err := v.CreateSession(ctx, &dup); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	got, err := v.GetSession(ctx, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("get session: %+v, %v", got, err)
	}
	if len(got.DailyChallenges) != 1 || got.DailyChallenges[0].Challenges[0].ID != "hal-1" {
		t.Fatalf("plan round trip mismatch: %+v", got.DailyChallenges)
	}

	due, err := v.DueSessionIDs(ctx, now.Add(2*time.Minute))
	if err != nil || len(due) != 1 || due[0] != "sess-1" {
		t.Fatalf("due sessions: %v, %v", due, err)
	}
	due, err = v.DueSessionIDs(ctx, now)
	if err != nil || len(due) != 0 {
		t.Fatalf("no session should be due yet: %v, %v", due, err)
	}

	got.Status = models.SessionPassed
	completed := now.Add(time.Hour)
	got.CompletedAt = &completed
	got.DailyChallenges[0].Challenges[0].Status = models.ChallengePassed
	if err := v.UpdateSession(ctx, got); err != nil {
		t.Fatalf("update session: %v", err)
	}

	// Terminal session frees the active slot.
	if err := v.CreateSession(ctx, &dup); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}

	if err := v.AppendResponse(ctx, models.ChallengeResponse{
		AgentID: "agent-1", SessionID: "sess-1", ChallengeID: "hal-1",
		Category: "hallucination_detection", Prompt: "p", Response: "not aware of it",
		Passed: true, RespondedAt: now,
	}); err != nil {
		t.Fatalf("append response: %v", err)
	}
	responses, err := v.SessionResponses(ctx, "sess-1")
	if err != nil || len(responses) != 1 {
		t.Fatalf("session responses: %v, %v", responses, err)
	}

	det := models.ModelDetectionRecord{
		AgentID: "agent-1", SessionID: "sess-1", Timestamp: now,
		ClaimedModel: "claude-opus-4", DetectedModel: "gpt", Confidence: 0.7,
		Match:     false,
		AllScores: []models.ModelScore{{Model: "gpt", Score: 3}, {Model: "claude", Score: 1}},
	}
	if err := v.AppendDetection(ctx, det); err != nil {
		t.Fatalf("append detection: %v", err)
	}
	latest, err := v.LatestDetection(ctx, "agent-1")
	if err != nil || latest == nil || latest.DetectedModel != "gpt" {
		t.Fatalf("latest detection: %+v, %v", latest, err)
	}
	mismatches, err := v.Mismatches(ctx)
	if err != nil || len(mismatches) != 1 {
		t.Fatalf("mismatches: %v, %v", mismatches, err)
	}

	ms := int64(120)
	if err := v.AppendSpotCheck(ctx, models.SpotCheckRecord{
		AgentID: "agent-1", Timestamp: now, Passed: true, ResponseTimeMs: &ms,
	}); err != nil {
		t.Fatalf("append spot check: %v", err)
	}
	if err := v.AppendSpotCheck(ctx, models.SpotCheckRecord{
		AgentID: "agent-1", Timestamp: now.Add(-40 * 24 * time.Hour), Passed: false,
	}); err != nil {
		t.Fatalf("append old spot check: %v", err)
	}
	recent, err := v.SpotChecksSince(ctx, "agent-1", now.Add(-30*24*time.Hour))
	if err != nil || len(recent) != 1 {
		t.Fatalf("windowed spot checks: %v, %v", recent, err)
	}

	stats := &models.AgentVerificationStats{
		AgentID: "agent-1", VerificationPassed: true, VerifiedAt: &now,
		SpotChecksPassed: 5, SpotChecksFailed: 1, DetectedModel: "claude",
	}
	stats.RecomputeFailureRate()
	if err := v.UpsertStats(ctx, stats); err != nil {
		t.Fatalf("upsert stats: %v", err)
	}
	stats.SpotChecksFailed = 2
	stats.RecomputeFailureRate()
	if err := v.UpsertStats(ctx, stats); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	gotStats, err := v.Stats(ctx, "agent-1")
	if err != nil || gotStats == nil {
		t.Fatalf("stats: %+v, %v", gotStats, err)
	}
	if gotStats.SpotChecksFailed != 2 {
		t.Fatalf("upsert did not accumulate: %+v", gotStats)
	}

	if err := v.MarkAgentVerified(ctx, "agent-1", "https://agent.example/hook2"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	verified, err := v.VerifiedAgents(ctx)
	if err != nil || len(verified) != 1 || !verified[0].Verified {
		t.Fatalf("verified agents: %v, %v", verified, err)
	}

	counts, err := v.SessionCounts(ctx)
	if err != nil || counts[models.SessionPassed] != 1 || counts[models.SessionPending] != 1 {
		t.Fatalf("session counts: %v, %v", counts, err)
	}
}
