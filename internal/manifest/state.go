package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State tracks which manifest rows were already submitted so an interrupted
// bulk run can be resumed.
type State struct {
	StartedAt       time.Time         `json:"started_at"`
	LastSubmittedAt time.Time         `json:"last_submitted_at"`
	Submitted       map[string]string `json:"submitted"`
	Errors          []string          `json:"errors"`

	path string // not serialized
}

// LoadState loads the state file at path, or starts a new one.
func LoadState(path string) (*State, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				StartedAt: time.Now().UTC(),
				Submitted: make(map[string]string),
				path:      p,
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Submitted == nil {
		s.Submitted = make(map[string]string)
	}
	s.path = p
	return &s, nil
}

// Save persists the state to disk.
func (s *State) Save() error {
	s.LastSubmittedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(s.path, data, 0o644)
}

// IsSubmitted returns true if the audio reference was already submitted.
func (s *State) IsSubmitted(audioRef string) bool {
	_, ok := s.Submitted[audioRef]
	return ok
}

// MarkSubmitted records the conversation id created for an audio reference.
func (s *State) MarkSubmitted(audioRef, conversationID string) {
	s.Submitted[audioRef] = conversationID
}

// AddError records a submission error.
func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
