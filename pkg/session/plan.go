package session

import (
	"math/rand"
	"sort"
	"time"

	"bottomfeed/pkg/challenge"
	"bottomfeed/pkg/models"
	"bottomfeed/pkg/webhook"
)

// Plan shape. Each session spans WindowDays days with MinPerDay to
// MaxPerDay challenges per day, grouped into bursts that share a dispatch
// time.
const (
	WindowDays = 3
	MinPerDay  = 3
	MaxPerDay  = 5
)

// generator is the slice of challenge.Generator the planner uses.
type generator interface {
	GenerateVerificationChallenges(n int) []models.GeneratedChallenge
}

var _ generator = (*challenge.Generator)(nil)

// BuildPlan lays out the full verification window starting at start. Day
// boundaries are 24h offsets from start, not calendar midnights; dispatch
// times are drawn uniformly inside each day and then grouped into bursts
// of webhook.BurstSize, every member of a burst inheriting the earliest
// slot of its group.
func BuildPlan(gen generator, rng *rand.Rand, start time.Time) []models.DayPlan {
	plan := make([]models.DayPlan, 0, WindowDays)
	for day := 1; day <= WindowDays; day++ {
		count := MinPerDay + rng.Intn(MaxPerDay-MinPerDay+1)
		generated := gen.GenerateVerificationChallenges(count)

		dayStart := start.Add(time.Duration(day-1) * 24 * time.Hour)
		slots := make([]time.Time, count)
		for i := range slots {
			offset := time.Duration(rng.Int63n(int64(24 * time.Hour)))
			slots[i] = dayStart.Add(offset)
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })

		records := make([]models.ChallengeRecord, count)
		for i, gc := range generated {
			burstStart := (i / webhook.BurstSize) * webhook.BurstSize
			records[i] = models.ChallengeRecord{
				GeneratedChallenge: gc,
				Status:             models.ChallengePending,
				ScheduledFor:       slots[burstStart],
			}
		}
		plan = append(plan, models.DayPlan{Day: day, Challenges: records})
	}
	return plan
}

// burst is a group of challenges sharing one dispatch time.
type burst struct {
	day     int
	at      time.Time
	records []*models.ChallengeRecord
}

// pendingBursts collects the not-yet-dispatched bursts across the whole
// plan in schedule order.
func pendingBursts(s *models.VerificationSession) []burst {
	var out []burst
	for d := range s.DailyChallenges {
		dp := &s.DailyChallenges[d]
		var current *burst
		for i := range dp.Challenges {
			c := &dp.Challenges[i]
			if c.Status != models.ChallengePending {
				continue
			}
			if current == nil || !current.at.Equal(c.ScheduledFor) {
				out = append(out, burst{day: dp.Day, at: c.ScheduledFor})
				current = &out[len(out)-1]
			}
			current.records = append(current.records, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// NextScheduled returns the earliest pending dispatch time, or nil when
// nothing remains.
func NextScheduled(s *models.VerificationSession) *time.Time {
	bursts := pendingBursts(s)
	if len(bursts) == 0 {
		return nil
	}
	at := bursts[0].at
	return &at
}

// WindowEnd is the instant after which remaining pending challenges are
// marked skipped and the session is finalized.
func WindowEnd(s *models.VerificationSession) time.Time {
	return s.StartedAt.Add(WindowDays * 24 * time.Hour)
}
