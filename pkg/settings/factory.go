package settings

import (
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/agent"
	"github.com/go-go-golems/forkline/pkg/inference"
	"github.com/go-go-golems/forkline/pkg/inference/ollama"
	"github.com/go-go-golems/forkline/pkg/inference/openai"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/persistence"
	"github.com/go-go-golems/forkline/pkg/voice"
)

// Engine is an inference engine that can also list its models.
type Engine interface {
	inference.Engine
	inference.ModelLister
}

// NewEngine creates the engine selected by chat.api-type.
func (s *Settings) NewEngine() (Engine, error) {
	apiType, err := ParseApiType(string(s.Chat.ApiType))
	if err != nil {
		return nil, err
	}
	log.Debug().Str("api_type", string(apiType)).Msg("Creating inference engine")
	switch apiType {
	case ApiTypeOpenAI:
		return openai.NewEngine(s.OpenAI.BaseURL, s.OpenAI.APIKey), nil
	default:
		return ollama.NewClient(s.Ollama.BaseURL), nil
	}
}

// OpenStorage opens the configured backend. ephemeral forces the in-memory
// backend.
func (s *Settings) OpenStorage(ephemeral bool) (*persistence.KVAdapter, error) {
	backend, err := s.Storage.ParsedBackend()
	if err != nil {
		return nil, err
	}
	if ephemeral {
		backend = persistence.BackendMemory
	}
	kv, err := persistence.Open(backend, s.Storage.ResolvedPath())
	if err != nil {
		return nil, err
	}
	return persistence.NewKVAdapter(kv), nil
}

func (s *Settings) NewSynthesizer() voice.Synthesizer {
	if s.Voice.URL == "" {
		return voice.NopSynthesizer{}
	}
	return voice.NewHTTPSynthesizer(s.Voice.URL)
}

func (s *Settings) NewComposer() agent.Composer {
	return agent.NewSettingsComposer(s.Agent)
}

func (s *Settings) ControllerConfig() session.Config {
	return session.Config{
		Model:   s.Chat.Model,
		Stream:  s.Chat.Stream,
		Options: s.Chat.RequestOptions(),
	}
}
