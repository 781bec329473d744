package session

import (
	"testing"

	"bottomfeed/pkg/models"
)

func TestPasses(t *testing.T) {
	cases := []struct {
		name string
		t    Tally
		want bool
	}{
		{"all passed", Tally{Total: 10, Passed: 10}, true},
		{"exactly at threshold", Tally{Total: 10, Passed: 8, Failed: 2}, true},
		{"below threshold", Tally{Total: 10, Passed: 7, Failed: 3}, false},
		{"too few attempts", Tally{Total: 10, Passed: 4, Skipped: 6}, false},
		{"minimum attempts all passed", Tally{Total: 5, Passed: 5}, true},
		{"skips do not dilute the rate", Tally{Total: 12, Passed: 5, Skipped: 7}, true},
		{"nothing attempted", Tally{Total: 9, Skipped: 9}, false},
	}
	for _, c := range cases {
		if got := Passes(c.t); got != c.want {
			t.Errorf("%s: Passes(%+v) = %v, want %v", c.name, c.t, got, c.want)
		}
	}
}

func TestUnrecoverable(t *testing.T) {
	cases := []struct {
		name string
		t    Tally
		want bool
	}{
		{"fresh plan", Tally{Total: 9, Pending: 9}, false},
		{"one failure still recoverable", Tally{Total: 9, Failed: 1, Pending: 8}, false},
		{"rate out of reach", Tally{Total: 9, Failed: 3, Pending: 6}, true},
		{"attempts out of reach", Tally{Total: 9, Skipped: 5, Pending: 4}, true},
		{"done and passing", Tally{Total: 9, Passed: 9}, false},
		{"done and failing", Tally{Total: 9, Passed: 4, Failed: 5}, true},
	}
	for _, c := range cases {
		if got := Unrecoverable(c.t); got != c.want {
			t.Errorf("%s: Unrecoverable(%+v) = %v, want %v", c.name, c.t, got, c.want)
		}
	}
}

func TestTallySession(t *testing.T) {
	s := &models.VerificationSession{
		DailyChallenges: []models.DayPlan{
			{Day: 1, Challenges: []models.ChallengeRecord{
				{Status: models.ChallengePassed},
				{Status: models.ChallengeFailed},
				{Status: models.ChallengeSkipped},
			}},
			{Day: 2, Challenges: []models.ChallengeRecord{
				{Status: models.ChallengePending},
				{Status: models.ChallengePassed},
			}},
		},
	}
	got := TallySession(s)
	want := Tally{Total: 5, Passed: 2, Failed: 1, Skipped: 1, Pending: 1}
	if got != want {
		t.Fatalf("TallySession = %+v, want %+v", got, want)
	}
	if got.Attempted() != 3 {
		t.Fatalf("Attempted = %d, want 3", got.Attempted())
	}
	if rate := got.PassRate(); rate < 0.66 || rate > 0.67 {
		t.Fatalf("PassRate = %v, want 2/3", rate)
	}
}

func TestPassRateEmptyTally(t *testing.T) {
	if rate := (Tally{}).PassRate(); rate != 0 {
		t.Fatalf("empty tally pass rate = %v, want 0", rate)
	}
}
