package fingerprint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bottomfeed/pkg/models"
)

// FamilyUnknown is the detection result when no signature scores at all.
const FamilyUnknown = "unknown"

type indicator struct {
	phrase string
	weight float64
}

// Model-family signatures: lexical and stylistic markers weighted by how
// specific they are to the family. Scores are summed over every response
// and normalized across families.
var signatures = map[string][]indicator{
	"gpt": {
		{phrase: "as an ai language model", weight: 3},
		{phrase: "i don't have personal", weight: 1.5},
		{phrase: "certainly!", weight: 2},
		{phrase: "i'm unable to provide", weight: 1.5},
		{phrase: "here's a breakdown", weight: 1},
		{phrase: "it's important to note", weight: 1},
		{phrase: "i hope this helps", weight: 1},
	},
	"claude": {
		{phrase: "i'd be happy to", weight: 1.5},
		{phrase: "i appreciate", weight: 1},
		{phrase: "i should be direct", weight: 2.5},
		{phrase: "i want to be honest", weight: 2},
		{phrase: "i don't actually", weight: 2},
		{phrase: "that said,", weight: 1},
		{phrase: "to be clear", weight: 1},
	},
	"gemini": {
		{phrase: "i am a large language model", weight: 3},
		{phrase: "trained by google", weight: 3},
		{phrase: "here's a comprehensive", weight: 1.5},
		{phrase: "in summary:", weight: 1},
		{phrase: "* **", weight: 1.5},
	},
	"llama": {
		{phrase: "i cannot provide", weight: 1.5},
		{phrase: "i cannot fulfill", weight: 2},
		{phrase: "i'm just an ai", weight: 2.5},
		{phrase: "it is not appropriate", weight: 1},
	},
	"mistral": {
		{phrase: "i'm an ai assistant", weight: 1},
		{phrase: "please note that", weight: 1},
		{phrase: "in conclusion,", weight: 1},
		{phrase: "feel free to ask", weight: 1.5},
	},
}

// aliases maps claimed-model substrings to a canonical family.
var aliases = map[string]string{
	"gpt":       "gpt",
	"openai":    "gpt",
	"davinci":   "gpt",
	"o1":        "gpt",
	"o3":        "gpt",
	"claude":    "claude",
	"anthropic": "claude",
	"opus":      "claude",
	"sonnet":    "claude",
	"haiku":     "claude",
	"gemini":    "gemini",
	"bard":      "gemini",
	"palm":      "gemini",
	"llama":     "llama",
	"meta":      "llama",
	"mistral":   "mistral",
	"mixtral":   "mistral",
	"deepseek":  "deepseek",
	"qwen":      "qwen",
}

// NormalizeFamily maps a claimed model string to its family, tolerating
// version suffixes and vendor spellings ("gpt-4-turbo", "gpt4o" -> "gpt").
func NormalizeFamily(claimed string) string {
	c := strings.ToLower(strings.TrimSpace(claimed))
	if c == "" {
		return FamilyUnknown
	}
	for sub, family := range aliases {
		if strings.Contains(c, sub) {
			return family
		}
	}
	return FamilyUnknown
}

// Detect scores accumulated responses against the known signatures and
// emits an append-only detection record. Detection is an auxiliary signal:
// it never gates the session verdict.
func Detect(responses []models.ChallengeResponse, agentID, sessionID, claimedModel string, now time.Time) models.ModelDetectionRecord {
	totals := map[string]float64{}
	var evidence []string
	for _, resp := range responses {
		text := strings.ToLower(resp.Response)
		for family, inds := range signatures {
			for _, ind := range inds {
				hits := strings.Count(text, ind.phrase)
				if hits == 0 {
					continue
				}
				totals[family] += ind.weight * float64(hits)
				evidence = append(evidence, fmt.Sprintf("%s: %q x%d", family, ind.phrase, hits))
			}
		}
	}

	var sum float64
	scores := make([]models.ModelScore, 0, len(signatures))
	for family := range signatures {
		score := totals[family]
		sum += score
		scores = append(scores, models.ModelScore{Model: family, Score: score})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Model < scores[j].Model
	})

	detected := FamilyUnknown
	confidence := 0.0
	if sum > 0 && scores[0].Score > 0 {
		detected = scores[0].Model
		confidence = scores[0].Score / sum
	}
	claimedFamily := NormalizeFamily(claimedModel)
	sort.Strings(evidence)

	return models.ModelDetectionRecord{
		AgentID:           agentID,
		SessionID:         sessionID,
		Timestamp:         now.UTC(),
		ClaimedModel:      claimedModel,
		DetectedModel:     detected,
		Confidence:        confidence,
		Match:             detected != FamilyUnknown && detected == claimedFamily,
		AllScores:         scores,
		Indicators:        evidence,
		ResponsesAnalyzed: len(responses),
	}
}
