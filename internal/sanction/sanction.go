// Package sanction turns violation history into a decaying level and maps the level
// onto the enforcement ladder. Everything here is pure.
package sanction

import (
	"sort"
	"time"

	"marketline/internal/domain"
)

// DecayPeriod is how long it takes for one level to wear off.
const DecayPeriod = 90 * 24 * time.Hour

type ActionKind string

const (
	ActionWarning       ActionKind = "warning"
	ActionRatingPenalty ActionKind = "rating_penalty"
	ActionBlock         ActionKind = "block"
	ActionBan           ActionKind = "ban"
)

// Action is the single enforcement step dispatched for a violation.
type Action struct {
	Kind          ActionKind    `json:"kind"`
	RatingPercent int           `json:"rating_percent,omitempty"`
	Block         time.Duration `json:"block,omitempty"`
}

// Level replays the events recorded at or before at and returns the decayed level.
// Each 90 days between consecutive events removes one level before the next increment,
// and the time between the last event and at decays the result once more.
func Level(events []time.Time, at time.Time) int {
	sorted := make([]time.Time, 0, len(events))
	for _, ev := range events {
		if !ev.After(at) {
			sorted = append(sorted, ev)
		}
	}
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	level := 0
	last := sorted[0]
	for _, ev := range sorted {
		level = decay(level, ev.Sub(last))
		level++
		last = ev
	}
	return decay(level, at.Sub(last))
}

func decay(level int, elapsed time.Duration) int {
	if elapsed <= 0 {
		return level
	}
	level -= int(elapsed / DecayPeriod)
	if level < 0 {
		return 0
	}
	return level
}

// LevelOf is Level over stored violations.
func LevelOf(violations []domain.Violation, at time.Time) int {
	events := make([]time.Time, len(violations))
	for i, v := range violations {
		events[i] = v.CreatedAt
	}
	return Level(events, at)
}

// For maps a post-insert level onto the ladder of the violation type. A level of zero or
// less yields no action.
func For(typ domain.ViolationType, level int) (Action, bool) {
	if level <= 0 {
		return Action{}, false
	}
	if typ == domain.ViolationForceMajeureAbuse {
		switch level {
		case 1:
			return Action{Kind: ActionWarning}, true
		case 2:
			return Action{Kind: ActionBlock, Block: 24 * time.Hour}, true
		case 3:
			return Action{Kind: ActionBlock, Block: 48 * time.Hour}, true
		case 4:
			return Action{Kind: ActionBlock, Block: 72 * time.Hour}, true
		}
		return Action{Kind: ActionBan}, true
	}
	switch level {
	case 1:
		return Action{Kind: ActionWarning}, true
	case 2:
		return Action{Kind: ActionRatingPenalty, RatingPercent: -5}, true
	case 3:
		return Action{Kind: ActionBlock, Block: 24 * time.Hour}, true
	case 4:
		return Action{Kind: ActionBlock, Block: 72 * time.Hour}, true
	}
	return Action{Kind: ActionBan}, true
}

// Notification returns the notification type announcing the action.
func (a Action) Notification() domain.NotificationType {
	switch a.Kind {
	case ActionRatingPenalty:
		return domain.NotifyViolationPenalty
	case ActionBlock:
		return domain.NotifyViolationBlock
	case ActionBan:
		return domain.NotifyViolationBan
	}
	return domain.NotifyViolationWarning
}
