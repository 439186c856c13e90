package sanction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestLevelEmptyHistory(t *testing.T) {
	assert.Equal(t, 0, Level(nil, t0))
}

func TestLevelAccumulatesWithinWindow(t *testing.T) {
	events := []time.Time{t0, t0.Add(24 * time.Hour), t0.Add(48 * time.Hour)}
	assert.Equal(t, 3, Level(events, t0.Add(72*time.Hour)))
}

func TestLevelIgnoresFutureEvents(t *testing.T) {
	events := []time.Time{t0, t0.Add(time.Hour)}
	assert.Equal(t, 0, Level(events, t0.Add(-time.Minute)))
	assert.Equal(t, 1, Level(events, t0.Add(30*time.Minute)))
}

func TestLevelUnorderedInput(t *testing.T) {
	events := []time.Time{t0.Add(48 * time.Hour), t0, t0.Add(24 * time.Hour)}
	assert.Equal(t, 3, Level(events, t0.Add(48*time.Hour)))
}

func TestLevelNinetyDaySpacingNeverExceedsOne(t *testing.T) {
	var events []time.Time
	for i := 0; i < 8; i++ {
		events = append(events, t0.Add(time.Duration(i)*DecayPeriod))
		at := events[len(events)-1]
		require.Equal(t, 1, Level(events, at), "after %d events", i+1)
	}
}

func TestLevelDecaysAfterLastEvent(t *testing.T) {
	events := []time.Time{t0, t0.Add(time.Hour)}
	assert.Equal(t, 2, Level(events, t0.Add(DecayPeriod)))
	assert.Equal(t, 1, Level(events, t0.Add(time.Hour+DecayPeriod)))
	assert.Equal(t, 0, Level(events, t0.Add(time.Hour+3*DecayPeriod)))
}

func TestLevelNeverNegative(t *testing.T) {
	events := []time.Time{t0, t0.Add(5 * DecayPeriod)}
	for _, at := range []time.Time{t0, t0.Add(DecayPeriod), t0.Add(5 * DecayPeriod), t0.Add(20 * DecayPeriod)} {
		assert.GreaterOrEqual(t, Level(events, at), 0)
	}
}

func TestLevelOfViolations(t *testing.T) {
	vs := []domain.Violation{{CreatedAt: t0}, {CreatedAt: t0.Add(time.Hour)}}
	assert.Equal(t, 2, LevelOf(vs, t0.Add(2*time.Hour)))
}

func TestLadderDeadlineMisses(t *testing.T) {
	want := []Action{
		{Kind: ActionWarning},
		{Kind: ActionRatingPenalty, RatingPercent: -5},
		{Kind: ActionBlock, Block: 24 * time.Hour},
		{Kind: ActionBlock, Block: 72 * time.Hour},
		{Kind: ActionBan},
		{Kind: ActionBan},
	}
	for _, typ := range []domain.ViolationType{domain.ViolationNoStart, domain.ViolationNoSubmit} {
		for i, w := range want {
			got, ok := For(typ, i+1)
			require.True(t, ok)
			assert.Equal(t, w, got, "%s level %d", typ, i+1)
		}
	}
}

func TestLadderForceMajeure(t *testing.T) {
	want := []Action{
		{Kind: ActionWarning},
		{Kind: ActionBlock, Block: 24 * time.Hour},
		{Kind: ActionBlock, Block: 48 * time.Hour},
		{Kind: ActionBlock, Block: 72 * time.Hour},
		{Kind: ActionBan},
	}
	for i, w := range want {
		got, ok := For(domain.ViolationForceMajeureAbuse, i+1)
		require.True(t, ok)
		assert.Equal(t, w, got, "level %d", i+1)
	}
}

func TestLadderLevelZero(t *testing.T) {
	_, ok := For(domain.ViolationNoStart, 0)
	assert.False(t, ok)
}

func TestActionNotification(t *testing.T) {
	assert.Equal(t, domain.NotifyViolationWarning, Action{Kind: ActionWarning}.Notification())
	assert.Equal(t, domain.NotifyViolationPenalty, Action{Kind: ActionRatingPenalty}.Notification())
	assert.Equal(t, domain.NotifyViolationBlock, Action{Kind: ActionBlock}.Notification())
	assert.Equal(t, domain.NotifyViolationBan, Action{Kind: ActionBan}.Notification())
}
