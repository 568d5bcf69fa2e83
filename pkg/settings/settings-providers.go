package settings

import (
	"path/filepath"

	"github.com/go-go-golems/forkline/pkg/inference/ollama"
	"github.com/go-go-golems/forkline/pkg/persistence"
)

type OllamaSettings struct {
	BaseURL string `yaml:"base-url,omitempty" mapstructure:"base-url"`
}

func NewOllamaSettings() *OllamaSettings {
	return &OllamaSettings{BaseURL: ollama.DefaultBaseURL}
}

type OpenAISettings struct {
	BaseURL string `yaml:"base-url,omitempty" mapstructure:"base-url"`
	APIKey  string `yaml:"api-key,omitempty" mapstructure:"api-key"`
}

func NewOpenAISettings() *OpenAISettings {
	return &OpenAISettings{BaseURL: "https://api.openai.com/v1"}
}

type StorageSettings struct {
	Backend string `yaml:"backend,omitempty" mapstructure:"backend"`
	// Path is a directory for pebble, badger and file, and a database file
	// for sqlite. Empty means below DefaultDataDir.
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}

func NewStorageSettings() *StorageSettings {
	return &StorageSettings{Backend: string(persistence.BackendPebble)}
}

func (s *StorageSettings) ParsedBackend() (persistence.Backend, error) {
	return persistence.ParseBackend(s.Backend)
}

// ResolvedPath returns Path, or the default location of the backend.
func (s *StorageSettings) ResolvedPath() string {
	if s.Path != "" {
		return s.Path
	}
	backend, err := s.ParsedBackend()
	if err != nil {
		backend = persistence.BackendPebble
	}
	if backend == persistence.BackendSQLite {
		return filepath.Join(DefaultDataDir(), "forkline.db")
	}
	return filepath.Join(DefaultDataDir(), string(backend))
}

// VoiceSettings locate the speech synthesis service. An empty URL disables
// playback.
type VoiceSettings struct {
	URL string `yaml:"url,omitempty" mapstructure:"url"`
}

const DefaultServerAddress = ":8080"

type ServerSettings struct {
	Address string `yaml:"address,omitempty" mapstructure:"address"`
}
