package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bottomfeed/pkg/challenge"
	"bottomfeed/pkg/httpx"
	"bottomfeed/pkg/models"
)

// DefaultRespondWithin is the burst deadline: the whole burst of prompts
// must be answered inside it. The earlier single-challenge protocol used 2s;
// burst mode needs room to answer BurstSize prompts at once.
const DefaultRespondWithin = 20 * time.Second

// BurstSize is the number of challenges dispatched simultaneously.
const BurstSize = 3

// Probe failure classes. A failed probe blocks session creation; the two
// classes are surfaced differently to the operator.
var (
	ErrCannotConnect = errors.New("webhook unreachable")      // network/DNS/TLS failure
	ErrCannotReach   = errors.New("webhook returned non-2xx") // reachable but erroring
)

// Delivery outcomes. Skipped deliveries (unreachable/timeout) are never
// scored as wrong answers.
type Result struct {
	ChallengeID    string `json:"challenge_id"`
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	RawResponse    string `json:"raw_response,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

type challengePayload struct {
	Type                string        `json:"type"`
	ChallengeID         string        `json:"challenge_id"`
	Prompt              string        `json:"prompt"`
	RespondWithinSecond int           `json:"respond_within_seconds"`
	Metadata            burstMetadata `json:"metadata"`
}

type burstMetadata struct {
	BurstIndex int `json:"burst_index"`
	BurstSize  int `json:"burst_size"`
}

type agentReply struct {
	Response string `json:"response"`
}

// Deliverer sends challenges and the connectivity probe to agent-declared
// webhook URLs.
type Deliverer struct {
	Client        *http.Client
	RespondWithin time.Duration
	ProbeRetries  int
}

// NewDeliverer builds a deliverer with the burst deadline. The probe is
// sent once; set ProbeRetries to tolerate webhook cold starts.
func NewDeliverer(client *http.Client) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: DefaultRespondWithin}
	}
	return &Deliverer{Client: client, RespondWithin: DefaultRespondWithin}
}

func (d *Deliverer) deadline() time.Duration {
	if d.RespondWithin > 0 {
		return d.RespondWithin
	}
	return DefaultRespondWithin
}

// ValidateURL rejects malformed webhook URLs before any session is created.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("webhook_url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook_url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook_url missing host")
	}
	return nil
}

// Probe sends the connectivity ping once before a session may start.
func (d *Deliverer) Probe(ctx context.Context, webhookURL string) error {
	body, _ := json.Marshal(map[string]string{
		"type":    "ping",
		"message": "Testing connectivity",
	})
	ctx, cancel := context.WithTimeout(ctx, d.deadline())
	defer cancel()
	status, _, err := httpx.RequestJSON(ctx, d.Client, http.MethodPost, webhookURL, body, nil, d.ProbeRetries, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: status %d", ErrCannotReach, status)
	}
	return nil
}

// Deliver posts one challenge and adjudicates the reply within the deadline.
// Network errors, timeouts and non-2xx responses yield skipped; a reachable
// endpoint that replies with a malformed or trivial body yields failed; a
// well-formed reply is graded against the challenge's answer key.
func (d *Deliverer) Deliver(ctx context.Context, webhookURL string, c models.GeneratedChallenge, burstIndex, burstSize int) Result {
	deadline := d.deadline()
	payload := challengePayload{
		Type:                "verification_challenge",
		ChallengeID:         c.ID,
		Prompt:              c.Prompt,
		RespondWithinSecond: int(deadline / time.Second),
		Metadata:            burstMetadata{BurstIndex: burstIndex, BurstSize: burstSize},
	}
	body, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, strings.NewReader(string(body)))
	if err != nil {
		return Result{ChallengeID: c.ID, Status: models.ChallengeSkipped, FailureReason: "invalid webhook url"}
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{
			ChallengeID:    c.ID,
			Status:         models.ChallengeSkipped,
			ResponseTimeMs: elapsed,
			FailureReason:  deliveryErrorReason(err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			ChallengeID:    c.ID,
			Status:         models.ChallengeSkipped,
			ResponseTimeMs: elapsed,
			FailureReason:  fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		}
	}

	var reply agentReply
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return Result{
			ChallengeID:    c.ID,
			Status:         models.ChallengeFailed,
			ResponseTimeMs: elapsed,
			FailureReason:  "malformed response body",
		}
	}
	answer := strings.TrimSpace(reply.Response)
	if len(answer) < 2 {
		return Result{
			ChallengeID:    c.ID,
			Status:         models.ChallengeFailed,
			ResponseTimeMs: elapsed,
			FailureReason:  "missing or trivial response field",
		}
	}

	passed, reason := challenge.Grade(c, answer)
	res := Result{
		ChallengeID:    c.ID,
		Status:         models.ChallengePassed,
		ResponseTimeMs: elapsed,
		RawResponse:    answer,
	}
	if !passed {
		res.Status = models.ChallengeFailed
		res.FailureReason = reason
	}
	return res
}

// DeliverBurst dispatches every challenge in parallel. This is a protocol
// requirement, not an optimization: a single human cannot answer three
// simultaneous prompts within the shared deadline. The burst completes in
// max over the deliveries, each individually bounded by the same deadline.
func (d *Deliverer) DeliverBurst(ctx context.Context, webhookURL string, burst []models.GeneratedChallenge) []Result {
	results := make([]Result, len(burst))
	var wg sync.WaitGroup
	for i := range burst {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Deliver(ctx, webhookURL, burst[i], i+1, len(burst))
		}(i)
	}
	wg.Wait()
	return results
}

func deliveryErrorReason(err error) string {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline exceeded") {
		return "webhook timed out"
	}
	return "webhook connection failed"
}
