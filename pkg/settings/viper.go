package settings

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// optionalKeys have no default and are only known to viper through the
// environment or the config file.
var optionalKeys = []string{
	"chat.temperature",
	"chat.top-p",
	"chat.max-response-tokens",
	"openai.api-key",
	"storage.path",
	"voice.url",
	"agent.system-prompt",
	"agent.agent-type",
	"agent.metacognitive-type",
	"agent.system-prompt-override",
}

// RegisterDefaults makes every settings key known to v, so that
// AutomaticEnv resolves nested keys such as FORKLINE_CHAT_MODEL.
func RegisterDefaults(v *viper.Viper) error {
	b, err := yaml.Marshal(NewSettings())
	if err != nil {
		return errors.Wrap(err, "failed to encode default settings")
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return errors.Wrap(err, "failed to decode default settings")
	}
	setDefaults(v, "", m)

	for _, key := range optionalKeys {
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "failed to bind %s", key)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
