package agent

import (
	clone "github.com/huandu/go-clone"
)

type ChatMode string

const (
	ChatModeGeneral  ChatMode = "general"
	ChatModeCode     ChatMode = "code"
	ChatModeCreative ChatMode = "creative"
	ChatModeAnalysis ChatMode = "analysis"
)

type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyChainOfThought Strategy = "chain-of-thought"
	StrategySingleSaliency Strategy = "iap-ss"
	StrategyMultiVote      Strategy = "iap-mv"
	StrategyTreeOfThought  Strategy = "tree-of-thought"
)

// IAPSettings configure instance-adaptive prompting.
type IAPSettings struct {
	Enabled           bool     `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Strategy          Strategy `yaml:"strategy" mapstructure:"strategy" json:"strategy"`
	SaliencyThreshold float64  `yaml:"saliency-threshold" mapstructure:"saliency-threshold" json:"saliencyThreshold"`
	TopPromptsCount   int      `yaml:"top-prompts-count" mapstructure:"top-prompts-count" json:"topPromptsCount"`
}

type ThinkingStep struct {
	ID      string `yaml:"id" mapstructure:"id" json:"id"`
	Name    string `yaml:"name" mapstructure:"name" json:"name"`
	Prompt  string `yaml:"prompt" mapstructure:"prompt" json:"prompt"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
}

// Settings shape the system prompt sent with every generation.
type Settings struct {
	SystemPrompt           string         `yaml:"system-prompt,omitempty" mapstructure:"system-prompt" json:"systemPrompt,omitempty"`
	ChatMode               ChatMode       `yaml:"chat-mode" mapstructure:"chat-mode" json:"chatMode"`
	AgentType              string         `yaml:"agent-type,omitempty" mapstructure:"agent-type" json:"agentType,omitempty"`
	MetacognitiveType      string         `yaml:"metacognitive-type,omitempty" mapstructure:"metacognitive-type" json:"metacognitiveType,omitempty"`
	EnableAdvancedThinking bool           `yaml:"enable-advanced-thinking" mapstructure:"enable-advanced-thinking" json:"enableAdvancedThinking"`
	IAP                    *IAPSettings   `yaml:"iap,omitempty" mapstructure:"iap" json:"iapSettings,omitempty"`
	CustomThinkingSteps    []ThinkingStep `yaml:"custom-thinking-steps,omitempty" mapstructure:"custom-thinking-steps" json:"customThinkingSteps,omitempty"`
	SystemPromptOverride   string         `yaml:"system-prompt-override,omitempty" mapstructure:"system-prompt-override" json:"systemPromptOverride,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		ChatMode: ChatModeGeneral,
		IAP: &IAPSettings{
			Strategy:          StrategyNone,
			SaliencyThreshold: 0.5,
			TopPromptsCount:   3,
		},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}
