package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
	"github.com/MikeSquared-Agency/callsight/internal/llm"
)

const sentimentBatch = 50

type roleResponse struct {
	Speakers []speakerScore `json:"speakers"`
}

type speakerScore struct {
	Label       string  `json:"label"`
	AgentScore  float64 `json:"agent_score"`
	ClientScore float64 `json:"client_score"`
}

type topicResponse struct {
	Topics []topicItem `json:"topics"`
}

type topicItem struct {
	Label     string  `json:"label"`
	Category  string  `json:"category"`
	Relevance float64 `json:"relevance"`
}

type sentimentResponse struct {
	Scores []sentimentItem `json:"scores"`
}

type sentimentItem struct {
	Seq   int     `json:"seq"`
	Score float64 `json:"score"`
}

type summaryResponse struct {
	Problem  string `json:"problem"`
	Solution string `json:"solution"`
}

var (
	roleSchema      = llm.GenerateSchema[roleResponse]()
	topicSchema     = llm.GenerateSchema[topicResponse]()
	sentimentSchema = llm.GenerateSchema[sentimentResponse]()
	summarySchema   = llm.GenerateSchema[summaryResponse]()
)

// LLM implements every analysis provider on top of a structured-output chat
// model.
type LLM struct {
	client llm.Client
	logger *slog.Logger
}

func NewLLM(client llm.Client, logger *slog.Logger) *LLM {
	return &LLM{client: client, logger: logger}
}

func (l *LLM) chat(ctx context.Context, op, system, user, schemaName string, schema, result any) error {
	resp, err := l.client.Chat(ctx, llm.Request{
		SystemPrompt: system,
		UserPrompt:   user,
		SchemaName:   schemaName,
		Schema:       schema,
		MaxTokens:    2048,
		Temperature:  llm.Temp(0),
	}, result)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	l.logger.Debug("llm call",
		"op", op,
		"model", l.client.Model(),
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
	)
	return nil
}

func (l *LLM) ClassifyRoles(ctx context.Context, in RoleInput) (map[string]RoleScore, error) {
	cues, err := json.Marshal(in.Cues)
	if err != nil {
		return nil, fmt.Errorf("marshal cues: %w", err)
	}
	user := fmt.Sprintf("Language: %s\n\nCues:\n%s\n\nTranscript:\n%s", in.Language, cues, FormatTurns(in.Turns))

	var resp roleResponse
	if err := l.chat(ctx, "classify roles", rolesPrompt, user, "speaker_roles", roleSchema, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]RoleScore, len(resp.Speakers))
	for _, s := range resp.Speakers {
		if _, known := in.Cues[s.Label]; !known {
			continue
		}
		out[s.Label] = RoleScore{Agent: s.AgentScore, Client: s.ClientScore}
	}
	return out, nil
}

func (l *LLM) ExtractTopics(ctx context.Context, turns []conversation.Turn, language string, max int) ([]conversation.ScoredTopic, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	user := fmt.Sprintf("Language: %s\n\nTranscript:\n%s", language, FormatTurns(turns))

	var resp topicResponse
	if err := l.chat(ctx, "extract topics", fmt.Sprintf(topicsPrompt, max), user, "topics", topicSchema, &resp); err != nil {
		return nil, err
	}

	out := make([]conversation.ScoredTopic, len(resp.Topics))
	for i, t := range resp.Topics {
		out[i] = conversation.ScoredTopic{Label: t.Label, Category: t.Category, Relevance: t.Relevance}
	}
	return out, nil
}

// ScoreSentiment scores texts in batches. Utterances the model skips come back
// as an error rather than a silent neutral.
func (l *LLM) ScoreSentiment(ctx context.Context, texts []string, language string) ([]float64, error) {
	out := make([]float64, len(texts))
	for start := 0; start < len(texts); start += sentimentBatch {
		end := min(start+sentimentBatch, len(texts))

		var sb strings.Builder
		fmt.Fprintf(&sb, "Language: %s\n\n", language)
		for i := start; i < end; i++ {
			fmt.Fprintf(&sb, "[%d] %s\n", i, texts[i])
		}

		var resp sentimentResponse
		if err := l.chat(ctx, "score sentiment", sentimentPrompt, sb.String(), "sentiment", sentimentSchema, &resp); err != nil {
			return nil, err
		}

		got := make(map[int]bool, end-start)
		for _, s := range resp.Scores {
			if s.Seq < start || s.Seq >= end {
				continue
			}
			out[s.Seq] = clamp(s.Score, -1, 1)
			got[s.Seq] = true
		}
		if len(got) != end-start {
			return nil, fmt.Errorf("score sentiment: model scored %d of %d utterances", len(got), end-start)
		}
	}
	return out, nil
}

func (l *LLM) Summarize(ctx context.Context, turns []conversation.Turn, language string) (*conversation.Summary, error) {
	user := fmt.Sprintf("Language: %s\n\nTranscript:\n%s", language, FormatTurns(turns))

	var resp summaryResponse
	if err := l.chat(ctx, "summarize", summaryPrompt, user, "summary", summarySchema, &resp); err != nil {
		return nil, err
	}
	return &conversation.Summary{
		Problem:  strings.TrimSpace(resp.Problem),
		Solution: strings.TrimSpace(resp.Solution),
	}, nil
}
