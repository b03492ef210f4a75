package agentloop

import (
	"context"
	"strings"
)

// ModelProfile selects the model and generation settings for a run.
type ModelProfile struct {
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
}

// Intent is the coarse classification of an instruction.
type Intent string

const IntentGeneral Intent = "general"

// Preprocessor normalizes an operator instruction before a run.
type Preprocessor interface {
	Preprocess(ctx context.Context, instruction string) (string, error)
}

// IntentClassifier classifies an instruction.
type IntentClassifier interface {
	Classify(ctx context.Context, instruction string) (Intent, error)
}

// ModelSelector picks the model profile for an intent.
type ModelSelector interface {
	Select(ctx context.Context, intent Intent) (ModelProfile, error)
}

// TrimPreprocessor trims surrounding whitespace and rejects empty input.
type TrimPreprocessor struct{}

func (TrimPreprocessor) Preprocess(_ context.Context, instruction string) (string, error) {
	s := strings.TrimSpace(instruction)
	if s == "" {
		return "", ErrEmptyInstruction
	}
	return s, nil
}

// GeneralClassifier classifies every instruction as IntentGeneral.
type GeneralClassifier struct{}

func (GeneralClassifier) Classify(context.Context, string) (Intent, error) {
	return IntentGeneral, nil
}

// StaticSelector returns Default unless ByIntent holds a profile for the
// intent.
type StaticSelector struct {
	Default  ModelProfile
	ByIntent map[Intent]ModelProfile
}

func (s StaticSelector) Select(_ context.Context, intent Intent) (ModelProfile, error) {
	if p, ok := s.ByIntent[intent]; ok {
		return p, nil
	}
	return s.Default, nil
}
