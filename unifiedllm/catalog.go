package unifiedllm

import "slices"

// ModelInfo is a catalog entry.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output,omitempty"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// DefaultContextWindow applies to models missing from the catalog.
const DefaultContextWindow = 16384

// Models lists the known models. Within a provider the first entry is the
// adapter default.
var Models = []ModelInfo{
	{ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 32768, SupportsTools: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true, Aliases: []string{"haiku"}},

	{ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: 32768, SupportsTools: true, Aliases: []string{"gpt5"}},
	{ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: 16384, SupportsTools: true, Aliases: []string{"gpt5-mini"}},

	{ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true, Aliases: []string{"gemini-pro"}},
	{ID: "gemini-3-flash-preview", Provider: "gemini", DisplayName: "Gemini 3 Flash (Preview)",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true, Aliases: []string{"gemini-flash"}},
}

// GetModelInfo finds a model by ID or alias.
func GetModelInfo(name string) *ModelInfo {
	if name == "" {
		return nil
	}
	for i := range Models {
		m := &Models[i]
		if m.ID == name || slices.Contains(m.Aliases, name) {
			return m
		}
	}
	return nil
}

// ListModels returns the catalog, or only provider's models when provider
// is set.
func ListModels(provider string) []ModelInfo {
	var out []ModelInfo
	for _, m := range Models {
		if provider != "" && m.Provider != provider {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ContextWindowFor is the context window of model, falling back to
// DefaultContextWindow.
func ContextWindowFor(model string) int {
	m := GetModelInfo(model)
	if m == nil || m.ContextWindow <= 0 {
		return DefaultContextWindow
	}
	return m.ContextWindow
}

