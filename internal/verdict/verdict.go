// Package verdict normalizes heterogeneous role output into uniform records.
//
// Roles answer in loosely structured JSON: some report "ok", some "agree" or
// a "stance" string, question lists arrive under several names, confidence
// may be missing or out of range. Everything that enters the consensus engine
// passes through Normalize, so downstream code can rely on a RoleVerdict
// whose Confidence is in [0,1] and whose OK is nil when unknown.
package verdict

import (
	"log/slog"
	"math"
	"strings"

	"github.com/steveyegge/quorum/internal/ai"
	"github.com/steveyegge/quorum/internal/types"
)

// rawVerdict accepts every field spelling roles are known to use
type rawVerdict struct {
	OK                    *bool    `json:"ok"`
	Agree                 *bool    `json:"agree"`
	Stance                string   `json:"stance"`
	Confidence            *float64 `json:"confidence"`
	Comments              string   `json:"comments"`
	Summary               string   `json:"summary"`
	BlockingOpenQuestions []string `json:"blocking_open_questions"`
	BlockingQuestions     []string `json:"blocking_questions"`
	OpenQuestions         []string `json:"open_questions"`
}

func (r rawVerdict) ok() *bool {
	switch {
	case r.OK != nil:
		return r.OK
	case r.Agree != nil:
		return r.Agree
	}
	return ParseStance(r.Stance).OK()
}

func (r rawVerdict) comments() string {
	if r.Comments != "" {
		return r.Comments
	}
	return r.Summary
}

func (r rawVerdict) questions() []string {
	switch {
	case len(r.BlockingOpenQuestions) > 0:
		return r.BlockingOpenQuestions
	case len(r.BlockingQuestions) > 0:
		return r.BlockingQuestions
	}
	return r.OpenQuestions
}

// Unknown returns the fail-closed verdict for a role whose position could not
// be determined
func Unknown(role, note string) types.RoleVerdict {
	return types.RoleVerdict{Role: role, OK: nil, Confidence: 0, Comments: note}
}

// Normalize converts a role invocation result into a verdict. Failed or
// unparseable results become Unknown verdicts rather than errors.
func Normalize(role string, res types.RoleResult) types.RoleVerdict {
	if !res.OK {
		note := "role invocation failed"
		if res.Error != "" {
			note += ": " + res.Error
		}
		return Unknown(role, note)
	}
	if res.Verdict != nil {
		return Sanitize(role, *res.Verdict)
	}

	raw, err := ai.Parse[rawVerdict](res.Raw, ai.ParseOptions{Context: role + " verdict"})
	if err != nil {
		slog.Warn("unparseable role verdict", "role", role, "error", err)
		return Unknown(role, "unparseable response")
	}
	return Sanitize(role, types.RoleVerdict{
		Role:                  role,
		OK:                    raw.ok(),
		Confidence:            derefConfidence(raw.Confidence),
		Comments:              raw.comments(),
		BlockingOpenQuestions: raw.questions(),
	})
}

// Sanitize forces the role id, clamps confidence into [0,1] and drops blank
// or duplicate blocking questions
func Sanitize(role string, v types.RoleVerdict) types.RoleVerdict {
	if role != "" {
		v.Role = role
	}
	v.Confidence = Clamp(v.Confidence)
	v.Comments = strings.TrimSpace(v.Comments)
	v.BlockingOpenQuestions = cleanQuestions(v.BlockingOpenQuestions)
	return v
}

// Aggregate pairs results with roles by index. Missing results count as failures.
func Aggregate(roles []string, results []types.RoleResult) []types.RoleVerdict {
	out := make([]types.RoleVerdict, len(roles))
	for i, role := range roles {
		if i < len(results) {
			out[i] = Normalize(role, results[i])
		} else {
			out[i] = Unknown(role, "no response")
		}
	}
	return out
}

// ReplaceByRole returns base with each update substituted for the verdict of
// the same role. Roles only present in updates are appended in update order.
func ReplaceByRole(base, updates []types.RoleVerdict) []types.RoleVerdict {
	out := append([]types.RoleVerdict(nil), base...)
	index := make(map[string]int, len(out))
	for i, v := range out {
		index[v.Role] = i
	}
	for _, u := range updates {
		if i, ok := index[u.Role]; ok {
			out[i] = u
			continue
		}
		index[u.Role] = len(out)
		out = append(out, u)
	}
	return out
}

// Clamp bounds a confidence value to [0,1]; NaN becomes 0
func Clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func derefConfidence(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}

func cleanQuestions(qs []string) []string {
	if len(qs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(qs))
	var out []string
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}
