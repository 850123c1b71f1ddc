package analyzer

import "github.com/MikeSquared-Agency/callsight/internal/conversation"

// Aggregate derives conversation-level metrics from the transcript and
// whatever message sentiment is known. Mean and trend are only set when every
// utterance has a score.
func Aggregate(t conversation.Transcript, sentiments map[int]float64) conversation.Metrics {
	var m conversation.Metrics

	talk := make(map[string]int64)
	var total int64
	for _, u := range t.Utterances {
		ms := (u.End - u.Start).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		talk[u.Speaker] += ms
		total += ms
	}
	if len(talk) > 0 {
		m.TalkTime = talk
	}
	if total > 0 {
		m.TalkRatio = make(map[string]float64, len(talk))
		for label, ms := range talk {
			m.TalkRatio[label] = float64(ms) / float64(total)
		}
	}

	n := len(t.Utterances)
	if n == 0 || len(sentiments) == 0 {
		return m
	}
	scores := make([]float64, 0, n)
	for _, u := range t.Utterances {
		s, ok := sentiments[u.Seq]
		if !ok {
			return m
		}
		scores = append(scores, s)
	}

	mean := avg(scores)
	m.MeanSentiment = &mean
	if n >= 2 {
		trend := avg(scores[n/2:]) - avg(scores[:n/2])
		m.SentimentTrend = &trend
	}
	return m
}

func avg(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
