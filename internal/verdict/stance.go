package verdict

import (
	"strings"

	"github.com/steveyegge/quorum/internal/ai"
	"github.com/steveyegge/quorum/internal/types"
)

// DefaultReplyConfidence is assumed when a reply omits or garbles its confidence
const DefaultReplyConfidence = 0.5

// Reply is a role's structured answer after re-consultation
type Reply struct {
	Stance            types.Stance
	Confidence        float64
	Comments          string
	BlockingQuestions []string
}

// MalformedReply is the conservative reading of a reply that could not be parsed
func MalformedReply(note string) Reply {
	return Reply{Stance: types.StanceMixed, Confidence: DefaultReplyConfidence, Comments: note}
}

// ParseStance maps free-form stance words onto a Stance
func ParseStance(s string) types.Stance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agree", "agreed", "approve", "approved", "yes", "ok", "go":
		return types.StanceAgree
	case "disagree", "disagreed", "reject", "rejected", "no", "block", "blocked":
		return types.StanceDisagree
	case "mixed", "partial", "neutral", "unsure":
		return types.StanceMixed
	}
	return types.StanceUnknown
}

// ParseReply reads a re-consultation reply. A reply with no recoverable JSON
// is returned as MalformedReply with ok=false; missing fields inside a
// parsed reply default to a mixed stance and DefaultReplyConfidence.
func ParseReply(raw string) (Reply, bool) {
	r, err := ai.Parse[rawVerdict](raw, ai.ParseOptions{Context: "telephone reply", Quiet: true})
	if err != nil {
		return MalformedReply("unparseable reply"), false
	}

	stance := ParseStance(r.Stance)
	if stance == types.StanceUnknown {
		switch ok := r.ok(); {
		case ok != nil && *ok:
			stance = types.StanceAgree
		case ok != nil:
			stance = types.StanceDisagree
		default:
			stance = types.StanceMixed
		}
	}

	confidence := DefaultReplyConfidence
	if r.Confidence != nil {
		confidence = Clamp(*r.Confidence)
	}

	return Reply{
		Stance:            stance,
		Confidence:        confidence,
		Comments:          strings.TrimSpace(r.comments()),
		BlockingQuestions: cleanQuestions(r.questions()),
	}, true
}

// ReplyFromVerdict reads a reply out of an already structured verdict
func ReplyFromVerdict(v types.RoleVerdict) Reply {
	stance := v.Stance()
	if stance == types.StanceUnknown {
		stance = types.StanceMixed
	}
	return Reply{
		Stance:            stance,
		Confidence:        Clamp(v.Confidence),
		Comments:          strings.TrimSpace(v.Comments),
		BlockingQuestions: cleanQuestions(v.BlockingOpenQuestions),
	}
}
