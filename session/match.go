package session

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
)

// Matching weights. The score is a weighted sum clamped to [0, 1]; the
// workload penalty can push an otherwise strong candidate to zero but an
// overloaded session (activeTasks >= overloadLimit) is excluded from
// suggestion entirely, not merely penalized.
const (
	tagWeight         = 0.3
	strengthWeight    = 0.2
	longTaskThreshold = 600 // runes of description
	workloadPenalty   = 0.1
	overloadLimit     = 3
	minSuggestScore   = 0.3
)

// contextBonus is the long-task bonus per context-size class.
func contextBonus(c ContextClass) float64 {
	switch c {
	case ContextLarge:
		return 0.4
	case ContextMedium:
		return 0.2
	default:
		return 0
	}
}

// ScoreMatch rates how well a capability profile fits a task, given the
// session's current workload. Pure function over its inputs: no store
// access, no locks taken.
func ScoreMatch(description string, tags []string, p CapabilityProfile, activeTasks int) float64 {
	fold := cases.Fold()
	desc := fold.String(description)

	bestFor := make(map[string]bool, len(p.BestFor))
	for _, tag := range p.BestFor {
		bestFor[fold.String(tag)] = true
	}

	score := 0.0
	for _, tag := range tags {
		if bestFor[fold.String(tag)] {
			score += tagWeight
		}
	}
	for _, strength := range p.Strengths {
		if s := fold.String(strength); s != "" && strings.Contains(desc, s) {
			score += strengthWeight
		}
	}
	if len([]rune(description)) > longTaskThreshold {
		score += contextBonus(p.ContextClass)
	}

	score -= workloadPenalty * float64(activeTasks)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// FindBestAgent scores every active, non-overloaded session against the
// task and returns the best match with its score, or nil when no session
// clears the suggestion threshold. The result is computed over a
// point-in-time snapshot and may be stale by the time the caller acts on
// it; the actual claim re-validates atomically.
func (m *Manager) FindBestAgent(ctx context.Context, description string, tags []string) (*Session, float64, error) {
	sessions, err := m.ListActive(ctx)
	if err != nil {
		return nil, 0, err
	}

	var best *Session
	bestScore := 0.0
	for _, s := range sessions {
		if s.ActiveTasks >= overloadLimit {
			continue
		}
		score := ScoreMatch(description, tags, s.Profile, s.ActiveTasks)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if best == nil || bestScore <= minSuggestScore {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// Candidates returns the session IDs of every active, non-overloaded
// session whose score clears the suggestion threshold, best first. Used
// when broadcasting help requests.
func (m *Manager) Candidates(ctx context.Context, description string, tags []string) ([]string, error) {
	sessions, err := m.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for _, s := range sessions {
		if s.ActiveTasks >= overloadLimit {
			continue
		}
		if score := ScoreMatch(description, tags, s.Profile, s.ActiveTasks); score > minSuggestScore {
			hits = append(hits, scored{id: s.ID, score: score})
		}
	}
	// Insertion sort; candidate lists are small.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].score > hits[j-1].score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}
