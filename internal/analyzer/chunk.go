package analyzer

import (
	"strings"
	"time"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

const chunkTimeGap = 30 * time.Second

// ChunkTranscript splits the rendered turns into embedding chunks. It breaks on
// silences longer than chunkTimeGap and whenever the next turn would push the
// chunk past maxChars. A single turn longer than maxChars gets its own chunk.
func ChunkTranscript(turns []conversation.Turn, utts []conversation.Utterance, maxChars int) []conversation.Chunk {
	if len(turns) == 0 {
		return nil
	}

	var chunks []conversation.Chunk
	var current []string
	first, size := 0, 0

	flush := func(last int) {
		chunks = append(chunks, conversation.Chunk{
			Seq:      len(chunks),
			FirstSeq: turns[first].Seq,
			LastSeq:  turns[last].Seq,
			Content:  strings.Join(current, "\n"),
		})
		current = nil
		size = 0
	}

	for i, t := range turns {
		line := formatTurn(t)

		if len(current) > 0 {
			gap := i < len(utts) && utts[i].Start-utts[i-1].End > chunkTimeGap
			if gap || size+len(line)+1 > maxChars {
				flush(i - 1)
				first = i
			}
		}

		current = append(current, line)
		size += len(line) + 1
	}

	if len(current) > 0 {
		flush(len(turns) - 1)
	}
	return chunks
}

func formatTurn(t conversation.Turn) string {
	var sb strings.Builder
	sb.WriteString(t.Speaker)
	if t.Role != "" && t.Role != conversation.RoleUnknown {
		sb.WriteString(" (" + string(t.Role) + ")")
	}
	sb.WriteString(": ")
	sb.WriteString(t.Text)
	return sb.String()
}

// FormatTurns renders turns one per line for a provider prompt.
func FormatTurns(turns []conversation.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = formatTurn(t)
	}
	return strings.Join(lines, "\n")
}
