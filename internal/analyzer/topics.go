package analyzer

import (
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

const maxTopicWords = 3

// CleanTopics normalizes labels, drops anything under floor, merges duplicates
// keeping the higher relevance and returns at most max topics ordered by
// relevance.
func CleanTopics(in []conversation.ScoredTopic, floor float64, max int) []conversation.ScoredTopic {
	best := make(map[string]conversation.ScoredTopic)
	for _, t := range in {
		label := conversation.NormalizeLabel(t.Label)
		if words := strings.Fields(label); len(words) > maxTopicWords {
			label = strings.Join(words[:maxTopicWords], " ")
		}
		if label == "" {
			continue
		}
		t.Label = label
		t.Category = strings.ToLower(strings.TrimSpace(t.Category))
		t.Relevance = clamp(t.Relevance, 0, 1)
		if t.Relevance < floor {
			continue
		}
		if prev, ok := best[label]; !ok || t.Relevance > prev.Relevance {
			best[label] = t
		}
	}

	out := make([]conversation.ScoredTopic, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Label < out[j].Label
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
