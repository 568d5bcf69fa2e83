package settings

import (
	"io"
	"os"
	"path/filepath"

	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/forkline/pkg/agent"
	"github.com/go-go-golems/forkline/pkg/security"
)

// Settings is the complete configuration of forkline. The yaml and
// mapstructure keys are the keys of the config file, and with the FORKLINE_
// prefix, of the environment.
type Settings struct {
	Chat    *ChatSettings    `yaml:"chat,omitempty" mapstructure:"chat"`
	Ollama  *OllamaSettings  `yaml:"ollama,omitempty" mapstructure:"ollama"`
	OpenAI  *OpenAISettings  `yaml:"openai,omitempty" mapstructure:"openai"`
	Storage *StorageSettings `yaml:"storage,omitempty" mapstructure:"storage"`
	Agent   *agent.Settings  `yaml:"agent,omitempty" mapstructure:"agent"`
	Voice   *VoiceSettings   `yaml:"voice,omitempty" mapstructure:"voice"`
	Server  *ServerSettings  `yaml:"server,omitempty" mapstructure:"server"`
}

func NewSettings() *Settings {
	return &Settings{
		Chat:    NewChatSettings(),
		Ollama:  NewOllamaSettings(),
		OpenAI:  NewOpenAISettings(),
		Storage: NewStorageSettings(),
		Agent:   agent.NewSettings(),
		Voice:   &VoiceSettings{},
		Server:  &ServerSettings{Address: DefaultServerAddress},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// NewSettingsFromYAML decodes r on top of the defaults.
func NewSettingsFromYAML(r io.Reader) (*Settings, error) {
	ret := NewSettings()
	if err := yaml.NewDecoder(r).Decode(ret); err != nil {
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	ret.fillDefaults()
	return ret, ret.Validate()
}

// NewSettingsFromViper unmarshals the merged config file, environment and
// flags held by v on top of the defaults.
func NewSettingsFromViper(v *viper.Viper) (*Settings, error) {
	ret := NewSettings()
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}
	ret.fillDefaults()
	return ret, ret.Validate()
}

// fillDefaults restores sections a config file set to null.
func (s *Settings) fillDefaults() {
	d := NewSettings()
	if s.Chat == nil {
		s.Chat = d.Chat
	}
	if s.Ollama == nil {
		s.Ollama = d.Ollama
	}
	if s.OpenAI == nil {
		s.OpenAI = d.OpenAI
	}
	if s.Storage == nil {
		s.Storage = d.Storage
	}
	if s.Agent == nil {
		s.Agent = d.Agent
	}
	if s.Voice == nil {
		s.Voice = d.Voice
	}
	if s.Server == nil {
		s.Server = d.Server
	}
}

func (s *Settings) Validate() error {
	if _, err := ParseApiType(string(s.Chat.ApiType)); err != nil {
		return err
	}
	if _, err := s.Storage.ParsedBackend(); err != nil {
		return err
	}
	if err := security.ValidateEndpoint(s.Ollama.BaseURL, security.LocalServicePolicy); err != nil {
		return errors.Wrap(err, "ollama.base-url")
	}
	// the api key may only travel in clear text to this machine or the LAN
	openaiPolicy := security.CredentialedPolicy
	if security.IsLocal(s.OpenAI.BaseURL) {
		openaiPolicy = security.LocalServicePolicy
	}
	if err := security.ValidateEndpoint(s.OpenAI.BaseURL, openaiPolicy); err != nil {
		return errors.Wrap(err, "openai.base-url")
	}
	if s.Voice.URL != "" {
		if err := security.ValidateEndpoint(s.Voice.URL, security.LocalServicePolicy); err != nil {
			return errors.Wrap(err, "voice.url")
		}
	}
	return nil
}

// ToYAML renders the settings with secrets masked.
func (s *Settings) ToYAML() ([]byte, error) {
	c := s.Clone()
	if c.OpenAI.APIKey != "" {
		c.OpenAI.APIKey = "***"
	}
	return yaml.Marshal(c)
}

// DefaultDataDir is where the store lives when storage.path is not set.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".forkline")
	}
	return filepath.Join(dir, "forkline")
}
