package settings

import (
	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

type ApiType string

const (
	ApiTypeOllama ApiType = "ollama"
	ApiTypeOpenAI ApiType = "openai"
)

func ParseApiType(s string) (ApiType, error) {
	switch ApiType(s) {
	case ApiTypeOllama, "":
		return ApiTypeOllama, nil
	case ApiTypeOpenAI:
		return ApiTypeOpenAI, nil
	default:
		return "", errors.Errorf("unknown api type %q", s)
	}
}

const DefaultModel = "llama3.2"

type ChatSettings struct {
	ApiType           ApiType  `yaml:"api-type,omitempty" mapstructure:"api-type"`
	Model             string   `yaml:"model,omitempty" mapstructure:"model"`
	Stream            bool     `yaml:"stream" mapstructure:"stream"`
	Temperature       *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP              *float64 `yaml:"top-p,omitempty" mapstructure:"top-p"`
	MaxResponseTokens *int     `yaml:"max-response-tokens,omitempty" mapstructure:"max-response-tokens"`
	// Options are passed verbatim to the provider and win over the fields above.
	Options map[string]interface{} `yaml:"options,omitempty" mapstructure:"options"`
}

func NewChatSettings() *ChatSettings {
	return &ChatSettings{
		ApiType: ApiTypeOllama,
		Model:   DefaultModel,
		Stream:  true,
		Options: map[string]interface{}{},
	}
}

func (s *ChatSettings) Clone() *ChatSettings {
	return clone.Clone(s).(*ChatSettings)
}

// RequestOptions merges the typed sampling fields with Options into the
// option map sent with every request.
func (s *ChatSettings) RequestOptions() map[string]interface{} {
	ret := map[string]interface{}{}
	if s.Temperature != nil {
		ret["temperature"] = *s.Temperature
	}
	if s.TopP != nil {
		ret["top_p"] = *s.TopP
	}
	if s.MaxResponseTokens != nil {
		ret["num_predict"] = *s.MaxResponseTokens
	}
	for k, v := range s.Options {
		ret[k] = v
	}
	return ret
}
