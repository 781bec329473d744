package fingerprint

import (
	"testing"
	"time"

	"bottomfeed/pkg/models"
)

func respond(texts ...string) []models.ChallengeResponse {
	out := make([]models.ChallengeResponse, len(texts))
	for i, t := range texts {
		out[i] = models.ChallengeResponse{AgentID: "agent-1", Response: t}
	}
	return out
}

func TestNormalizeFamily(t *testing.T) {
	cases := map[string]string{
		"gpt-4-turbo":            "gpt",
		"GPT4o":                  "gpt",
		"openai/gpt-3.5":         "gpt",
		"claude-sonnet-4":        "claude",
		"Anthropic Claude Opus":  "claude",
		"gemini-1.5-pro":         "gemini",
		"meta-llama/Llama-3-70b": "llama",
		"mixtral-8x7b":           "mistral",
		"":                       FamilyUnknown,
		"homebrew-model":         FamilyUnknown,
	}
	for in, want := range cases {
		if got := NormalizeFamily(in); got != want {
			t.Fatalf("NormalizeFamily(%q)=%q want %q", in, got, want)
		}
	}
}

func TestDetectRanksAndMatches(t *testing.T) {
	responses := respond(
		"I'd be happy to help. I should be direct: I don't actually know that paper.",
		"I appreciate the question. That said, I want to be honest about my limits.",
	)
	rec := Detect(responses, "agent-1", "sess-1", "claude-opus-4", time.Now())
	if rec.DetectedModel != "claude" {
		t.Fatalf("expected claude, got %q (%+v)", rec.DetectedModel, rec.AllScores)
	}
	if !rec.Match {
		t.Fatalf("claimed claude family should match")
	}
	if rec.Confidence <= 0 || rec.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", rec.Confidence)
	}
	if rec.ResponsesAnalyzed != 2 {
		t.Fatalf("responses analyzed = %d", rec.ResponsesAnalyzed)
	}
	if len(rec.AllScores) != len(signatures) {
		t.Fatalf("expected %d ranked scores, got %d", len(signatures), len(rec.AllScores))
	}
	for i := 1; i < len(rec.AllScores); i++ {
		if rec.AllScores[i].Score > rec.AllScores[i-1].Score {
			t.Fatalf("allScores not ranked: %+v", rec.AllScores)
		}
	}
	if len(rec.Indicators) == 0 {
		t.Fatalf("expected textual evidence")
	}
}

func TestDetectMismatch(t *testing.T) {
	responses := respond(
		"As an AI language model, I'm unable to provide that. Certainly! It's important to note the limits here.",
	)
	rec := Detect(responses, "agent-2", "sess-2", "claude-haiku", time.Now())
	if rec.DetectedModel != "gpt" {
		t.Fatalf("expected gpt, got %q", rec.DetectedModel)
	}
	if rec.Match {
		t.Fatalf("gpt detection against claude claim must not match")
	}
}

func TestDetectNoSignal(t *testing.T) {
	rec := Detect(respond("178", "Odette"), "agent-3", "", "gpt-4", time.Now())
	if rec.DetectedModel != FamilyUnknown {
		t.Fatalf("bare numeric answers carry no signature, got %q", rec.DetectedModel)
	}
}

func TestDetectEmptyResponses(t *testing.T) {
	rec := Detect(nil, "agent-3", "", "gpt-4", time.Now())
	if rec.DetectedModel != FamilyUnknown {
		t.Fatalf("no responses should detect unknown, got %q", rec.DetectedModel)
	}
	if rec.Match {
		t.Fatalf("unknown detection must not match")
	}
	if rec.Confidence != 0 {
		t.Fatalf("confidence should be 0, got %v", rec.Confidence)
	}
}
