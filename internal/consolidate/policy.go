package consolidate

import (
	"fmt"
	"slices"
	"strings"

	"mktcast/internal/storage"
)

// TieBreak names the rule used to surface one estimate when several models
// forecast the same (symbol, ts).
type TieBreak string

const (
	// LatestWrite surfaces the estimate with the most recent written_at.
	LatestWrite TieBreak = "latest_write"
	// LatestTrained surfaces the estimate whose model was trained last.
	LatestTrained TieBreak = "latest_trained"
	// ModelPriority surfaces the first model of an ordered list.
	ModelPriority TieBreak = "model_priority"
)

// ParseTieBreak validates a configured tie-break name. Empty selects LatestWrite.
func ParseTieBreak(s string) (TieBreak, error) {
	switch tb := TieBreak(strings.ToLower(strings.TrimSpace(s))); tb {
	case "":
		return LatestWrite, nil
	case LatestWrite, LatestTrained, ModelPriority:
		return tb, nil
	default:
		return "", fmt.Errorf("unknown tie-break %q", s)
	}
}

// Policy decides which estimate wins for one identity.
type Policy struct {
	TieBreak TieBreak
	// Models is the preference order for ModelPriority, best first.
	Models []string
}

// compare orders two estimates for the same identity: positive when a should
// be surfaced over b, zero when the policy cannot separate them.
//
// latest_trained and model_priority fall back to written_at before declaring a tie.
func (p Policy) compare(a, b storage.Estimate) int {
	switch p.TieBreak {
	case LatestTrained:
		if c := a.TrainedAt.Compare(b.TrainedAt); c != 0 {
			return c
		}
	case ModelPriority:
		if c := p.rank(b.ModelID) - p.rank(a.ModelID); c != 0 {
			return c
		}
	}
	return a.WrittenAt.Compare(b.WrittenAt)
}

// rank is the model's position in the preference list; unlisted models rank last.
func (p Policy) rank(model string) int {
	if i := slices.Index(p.Models, model); i >= 0 {
		return i
	}
	return len(p.Models)
}
