package app

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicegrade/internal/config"
	"github.com/MrWong99/voicegrade/pkg/provider/llm"
	"github.com/MrWong99/voicegrade/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicegrade/pkg/provider/llm/openai"
)

// RegisterBuiltinProviders wires every oracle backend that ships with
// voicegrade into reg.
//
// "openai" uses the official SDK when an API key is configured, which also
// honours the organization and timeout options. Without a key it goes through
// any-llm-go, which reads OPENAI_API_KEY from the environment. Every other
// name goes through any-llm-go.
func RegisterBuiltinProviders(reg *config.Registry) {
	for _, name := range anyllm.Backends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it uses BaseURL for the address, not an API key.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.APIKey == "" {
			var opts []anyllmlib.Option
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New("openai", entry.Model, opts...)
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if s := optString(entry.Options, "timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				slog.Warn("ignoring invalid openai timeout option", "value", s, "err", err)
			} else {
				opts = append(opts, openai.WithTimeout(d))
			}
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	slog.Debug("registered oracle backends", "names", reg.LLMNames())
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
