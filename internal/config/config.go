package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	LogLevel    string
	DatabaseURL string
	SQLitePath  string
	NatsURL     string
	NatsToken   string
	RedisURL    string
	APIToken    string

	AssemblyAIKey     string
	AssemblyAIBaseURL string
	Language          string

	LLMProvider    string
	OpenAIKey      string
	OpenAIBaseURL  string
	GPTModel       string
	EmbeddingModel string
	AnthropicKey   string
	AnthropicModel string

	AzureKey      string
	AzureEndpoint string

	GoogleServiceAccountFile string
	GoogleSubject            string

	Workers              int
	MaxAttempts          int
	RetryInitialInterval time.Duration
	ProviderTimeout      time.Duration
	LeaseTTL             time.Duration

	// TranscriptionJobTimeout bounds the wait for one transcription job,
	// on top of the recording's length.
	TranscriptionJobTimeout time.Duration

	TuningPath string
	Tuning     Tuning
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envInt("CALLSIGHT_PORT", 8760),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		SQLitePath:  envStr("SQLITE_PATH", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		RedisURL:    envStr("REDIS_URL", ""),
		APIToken:    envStr("CALLSIGHT_API_TOKEN", ""),

		AssemblyAIKey:     envStr("ASSEMBLYAI_API_KEY", ""),
		AssemblyAIBaseURL: envStr("ASSEMBLYAI_BASE_URL", "https://api.assemblyai.com"),
		Language:          envStr("LANGUAGE", "es"),

		LLMProvider:    envStr("LLM_PROVIDER", "openai"),
		OpenAIKey:      envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  envStr("OPENAI_BASE_URL", ""),
		GPTModel:       envStr("GPT_MODEL", "gpt-4o"),
		EmbeddingModel: envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		AnthropicKey:   envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel: envStr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		AzureKey:      envStr("AZURE_AI_KEY", ""),
		AzureEndpoint: envStr("AZURE_AI_LANGUAGE_ENDPOINT", ""),

		GoogleServiceAccountFile: envStr("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		GoogleSubject:            envStr("GOOGLE_IMPERSONATE_SUBJECT", ""),

		Workers:              envInt("WORKERS", 4),
		MaxAttempts:          envInt("MAX_ATTEMPTS", 3),
		RetryInitialInterval: envDuration("RETRY_INITIAL_INTERVAL", time.Second),
		ProviderTimeout:      envDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		LeaseTTL:             envDuration("LEASE_TTL", 30*time.Minute),

		TranscriptionJobTimeout: envDuration("TRANSCRIPTION_JOB_TIMEOUT", 10*time.Minute),

		TuningPath: envStr("CALLSIGHT_TUNING", ""),
		Tuning: Tuning{
			ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.6),
			RelevanceFloor:      envFloat("TOPIC_RELEVANCE_FLOOR", 0.3),
			MaxTopics:           envInt("MAX_TOPICS", 3),
			ChunkChars:          envInt("CHUNK_CHARS", 1000),
			AgentLexicon:        defaultAgentLexicon,
			ClientLexicon:       defaultClientLexicon,
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
