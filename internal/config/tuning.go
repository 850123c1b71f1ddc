package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds analyzer thresholds that operators adjust without a redeploy.
type Tuning struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	RelevanceFloor      float64  `yaml:"relevance_floor"`
	MaxTopics           int      `yaml:"max_topics"`
	ChunkChars          int      `yaml:"chunk_chars"`
	AgentLexicon        []string `yaml:"agent_lexicon"`
	ClientLexicon       []string `yaml:"client_lexicon"`
}

var defaultAgentLexicon = []string{
	"gracias por llamar",
	"en qué puedo ayudarle",
	"en que puedo ayudarle",
	"le puedo ayudar",
	"mi nombre es",
	"le atiende",
	"número de caso",
	"thank you for calling",
	"how can i help",
	"let me check",
}

var defaultClientLexicon = []string{
	"tengo un problema",
	"quiero",
	"necesito",
	"mi factura",
	"mi cuenta",
	"no funciona",
	"i have a problem",
	"my account",
	"i need",
}

// ApplyTuningFile overlays the YAML file at path onto c.Tuning. Fields absent
// from the file keep their current values. An empty path is a no-op.
func (c *Config) ApplyTuningFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning: %w", err)
	}
	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse tuning: %w", err)
	}
	if t.ConfidenceThreshold > 0 {
		c.Tuning.ConfidenceThreshold = t.ConfidenceThreshold
	}
	if t.RelevanceFloor > 0 {
		c.Tuning.RelevanceFloor = t.RelevanceFloor
	}
	if t.MaxTopics > 0 {
		c.Tuning.MaxTopics = t.MaxTopics
	}
	if t.ChunkChars > 0 {
		c.Tuning.ChunkChars = t.ChunkChars
	}
	if len(t.AgentLexicon) > 0 {
		c.Tuning.AgentLexicon = t.AgentLexicon
	}
	if len(t.ClientLexicon) > 0 {
		c.Tuning.ClientLexicon = t.ClientLexicon
	}
	return nil
}
