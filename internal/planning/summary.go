package planning

import (
	"fmt"

	"github.com/steveyegge/quorum/internal/types"
)

// SummarizeRound compares a round's verdicts with the previous round's.
// A role that agrees now but did not before (or was not polled) is a new
// consensus point; every role that does not agree is remaining divergence.
// Blocking questions are left to the blocking-questions detector.
func SummarizeRound(round float64, previous, current []types.RoleVerdict) types.RoundSummary {
	before := make(map[string]bool, len(previous))
	for _, v := range previous {
		before[v.Role] = v.Agrees()
	}

	rs := types.RoundSummary{
		Round:               round,
		NewConsensusPoints:  []string{},
		RemainingDivergence: []string{},
	}
	for _, v := range current {
		if v.Agrees() {
			if !before[v.Role] {
				rs.NewConsensusPoints = append(rs.NewConsensusPoints, fmt.Sprintf("%s agrees", v.Role))
			}
			continue
		}
		note := fmt.Sprintf("%s is %s", v.Role, v.Stance())
		if v.Comments != "" {
			note += ": " + v.Comments
		}
		rs.RemainingDivergence = append(rs.RemainingDivergence, note)
	}
	return rs
}
