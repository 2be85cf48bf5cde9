package engine

import (
	"errors"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// ErrNoMatches is returned when the resolver is invoked with an empty match
// set. The engine never does this; seeing it means an invariant broke.
var ErrNoMatches = errors.New("engine: resolver requires at least one match")

// Match couples a policy with the effect its first matching rule produced.
type Match struct {
	Manifest *manifest.Manifest
	Effect   manifest.Effect
	RuleID   string
	Reason   string
}

// ConflictPolicy identifies one contributor to a conflict record.
type ConflictPolicy struct {
	PolicyID string          `json:"policyId"`
	RuleID   string          `json:"ruleId,omitempty"`
	Effect   manifest.Effect `json:"effect"`
}

// Conflict records disagreement between policies tied at the highest
// matched precedence. It is informational: a decision is still produced.
type Conflict struct {
	Precedence manifest.Precedence `json:"precedence"`
	Policies   []ConflictPolicy    `json:"policies"`
	WinnerID   string              `json:"winnerId"`
	Resolution string              `json:"resolution"`
}

// Resolution is the resolver outcome: a single winner, plus a conflict
// record when the tied set disagreed.
type Resolution struct {
	Winner   Match
	Conflict *Conflict
}

// Resolve selects the winning match. Only the highest precedence class
// present survives; within it, deny wins when effects disagree, otherwise
// the first match in input order wins. Input order is the registry's
// registration order, so the oldest policy is the stable tie-break.
func Resolve(matched []Match) (Resolution, error) {
	if len(matched) == 0 {
		return Resolution{}, ErrNoMatches
	}

	maxRank := -1
	for _, m := range matched {
		if r := m.Manifest.Precedence.Rank(); r > maxRank {
			maxRank = r
		}
	}

	var top []Match
	for _, m := range matched {
		if m.Manifest.Precedence.Rank() == maxRank {
			top = append(top, m)
		}
	}

	hasAllow, hasDeny := false, false
	for _, m := range top {
		if m.Effect == manifest.EffectDeny {
			hasDeny = true
		} else {
			hasAllow = true
		}
	}

	if hasAllow && hasDeny {
		winner := top[0]
		for _, m := range top {
			if m.Effect == manifest.EffectDeny {
				winner = m
				break
			}
		}
		policies := make([]ConflictPolicy, len(top))
		for i, m := range top {
			policies[i] = ConflictPolicy{
				PolicyID: m.Manifest.ID,
				RuleID:   m.RuleID,
				Effect:   m.Effect,
			}
		}
		return Resolution{
			Winner: winner,
			Conflict: &Conflict{
				Precedence: winner.Manifest.Precedence,
				Policies:   policies,
				WinnerID:   winner.Manifest.ID,
				Resolution: "deny wins at tied precedence",
			},
		}, nil
	}

	return Resolution{Winner: top[0]}, nil
}

// overrideConflict reports the cross-tier disagreement Resolve does not:
// a winning deny that suppressed an allow matched at lower precedence. The
// suppressed allow is a contested decision and gets a conflict record; a
// winning allow suppressing lower denies does not.
func overrideConflict(matched []Match, winner Match) *Conflict {
	if winner.Effect != manifest.EffectDeny {
		return nil
	}
	hasAllow := false
	for _, m := range matched {
		if m.Effect == manifest.EffectAllow {
			hasAllow = true
			break
		}
	}
	if !hasAllow {
		return nil
	}
	policies := make([]ConflictPolicy, len(matched))
	for i, m := range matched {
		policies[i] = ConflictPolicy{
			PolicyID: m.Manifest.ID,
			RuleID:   m.RuleID,
			Effect:   m.Effect,
		}
	}
	return &Conflict{
		Precedence: winner.Manifest.Precedence,
		Policies:   policies,
		WinnerID:   winner.Manifest.ID,
		Resolution: "higher precedence denies",
	}
}
