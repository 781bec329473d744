package session

import "bottomfeed/pkg/models"

// Verdict thresholds. Skipped challenges never count toward the attempted
// total, so an unreachable webhook cannot fail an agent on its own; it just
// starves the session of attempts.
const (
	PassRateThreshold = 0.8
	MinAttempted      = 5
)

// Tally is the per-status breakdown of a session's challenges.
type Tally struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

func (t Tally) Attempted() int {
	return t.Passed + t.Failed
}

func (t Tally) PassRate() float64 {
	attempted := t.Attempted()
	if attempted == 0 {
		return 0
	}
	return float64(t.Passed) / float64(attempted)
}

func TallySession(s *models.VerificationSession) Tally {
	var t Tally
	for _, c := range s.AllChallenges() {
		t.Total++
		switch c.Status {
		case models.ChallengePassed:
			t.Passed++
		case models.ChallengeFailed:
			t.Failed++
		case models.ChallengeSkipped:
			t.Skipped++
		default:
			t.Pending++
		}
	}
	return t
}

// Passes reports the final verdict over a completed tally.
func Passes(t Tally) bool {
	return t.Attempted() >= MinAttempted && t.PassRate() >= PassRateThreshold
}

// Unrecoverable reports whether the pass thresholds are already out of
// reach even if every pending challenge were attempted and passed. Used to
// fail sessions early instead of running out the full window.
func Unrecoverable(t Tally) bool {
	bestAttempted := t.Attempted() + t.Pending
	if bestAttempted < MinAttempted {
		return true
	}
	bestRate := float64(t.Passed+t.Pending) / float64(bestAttempted)
	return bestRate < PassRateThreshold
}
