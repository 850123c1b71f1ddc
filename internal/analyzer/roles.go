package analyzer

import (
	"strings"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// Cues are the observable signals used to tell the agent from the client.
type Cues struct {
	Utterances    int     `json:"utterances"`
	QuestionRatio float64 `json:"question_ratio"`
	AgentHits     int     `json:"agent_hits"`
	ClientHits    int     `json:"client_hits"`
	TalkShare     float64 `json:"talk_share"`
	OpensCall     bool    `json:"opens_call"`
}

// ComputeCues counts lexicon hits, question ratio and talk share per speaker.
// Lexicon matching is case-insensitive substring matching on each utterance.
func ComputeCues(t conversation.Transcript, agentLexicon, clientLexicon []string) map[string]Cues {
	cues := make(map[string]Cues)
	questions := make(map[string]int)
	var total float64

	for i, u := range t.Utterances {
		c := cues[u.Speaker]
		c.Utterances++
		if i == 0 {
			c.OpensCall = true
		}
		text := strings.ToLower(u.Text)
		if strings.Contains(text, "?") {
			questions[u.Speaker]++
		}
		c.AgentHits += countHits(text, agentLexicon)
		c.ClientHits += countHits(text, clientLexicon)
		d := (u.End - u.Start).Seconds()
		c.TalkShare += d
		total += d
		cues[u.Speaker] = c
	}

	for label, c := range cues {
		c.QuestionRatio = float64(questions[label]) / float64(c.Utterances)
		if total > 0 {
			c.TalkShare /= total
		} else {
			c.TalkShare = 0
		}
		cues[label] = c
	}
	return cues
}

func countHits(text string, lexicon []string) int {
	n := 0
	for _, phrase := range lexicon {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p != "" && strings.Contains(text, p) {
			n++
		}
	}
	return n
}

// HeuristicScores turns cues into role scores without calling a provider.
// Lexicon hits dominate; opening the call and asking questions lean agent.
func HeuristicScores(cues map[string]Cues) map[string]RoleScore {
	out := make(map[string]RoleScore, len(cues))
	for label, c := range cues {
		s := RoleScore{
			Agent:  float64(c.AgentHits) + 0.5*c.QuestionRatio,
			Client: float64(c.ClientHits),
		}
		if c.OpensCall && c.AgentHits > 0 {
			s.Agent += 0.5
		}
		out[label] = s
	}
	return out
}

// DecideRole picks the stronger side. Equal evidence, including none at all,
// stays unknown.
func DecideRole(s RoleScore) conversation.Role {
	switch {
	case s.Agent > s.Client:
		return conversation.RoleAgent
	case s.Client > s.Agent:
		return conversation.RoleClient
	default:
		return conversation.RoleUnknown
	}
}
