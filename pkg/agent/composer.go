package agent

import (
	"context"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/rs/zerolog/log"
)

var metacognitivePrompts = map[string]string{
	"chain-of-thought":         "Think through this step by step. Before providing your final answer, work through the problem systematically, showing your reasoning at each step.",
	"visualization-of-thought": "Visualize the problem space mentally. Describe what you 'see' as you think through the problem, using spatial and visual metaphors to explore the solution.",
	"tree-of-thought":          "Consider multiple possible approaches. For each approach, explore the implications and potential outcomes before selecting the best path forward.",
	"self-reflection":          "After formulating your initial response, critically examine it. Consider what assumptions you made, what you might have missed, and how you could improve your answer.",
	"socratic":                 "Approach this by asking and answering a series of probing questions. Each question should deepen understanding and lead toward the solution.",
	"first-principles":         "Break this down to its fundamental truths. Start from basic principles and build up your reasoning without relying on assumptions or conventions.",
}

var strategyPrompts = map[Strategy]string{
	StrategyChainOfThought: "Think through this step-by-step. Break down the problem into smaller parts and reason through each one carefully before reaching your conclusion.",
	StrategySingleSaliency: "Focus on the most salient aspects of this problem. Identify the key elements that are most relevant to finding a solution, and concentrate your reasoning there.",
	StrategyMultiVote:      "Consider this problem from multiple perspectives. Generate several candidate approaches, evaluate each one, and synthesize the best elements into your final answer.",
	StrategyTreeOfThought:  "Explore multiple reasoning paths like branches of a tree. For each approach, consider its implications, then evaluate and prune less promising branches to find the optimal solution.",
}

// Composer produces the system prompt of a generation. ok is false when no
// system prompt should be sent.
type Composer interface {
	Compose(ctx context.Context) (prompt string, ok bool)
}

// StaticComposer always returns the same prompt.
type StaticComposer string

func (s StaticComposer) Compose(context.Context) (string, bool) {
	return string(s), strings.TrimSpace(string(s)) != ""
}

// SettingsComposer renders the base prompt as a template and appends the
// thinking instructions selected by Settings.
type SettingsComposer struct {
	Settings *Settings
	Vars     map[string]interface{}
}

var _ Composer = (*SettingsComposer)(nil)

func NewSettingsComposer(settings *Settings) *SettingsComposer {
	if settings == nil {
		settings = NewSettings()
	}
	return &SettingsComposer{Settings: settings}
}

func (c *SettingsComposer) Compose(ctx context.Context) (string, bool) {
	s := c.Settings
	if s == nil {
		return "", false
	}
	base := s.SystemPrompt
	if strings.TrimSpace(s.SystemPromptOverride) != "" {
		base = s.SystemPromptOverride
	}
	base = strings.TrimSpace(c.render(base))
	if base == "" {
		return "", false
	}

	if thinking := BuildThinkingPrompt(s); thinking != "" {
		return base + "\n\n" + thinking, true
	}
	return base, true
}

func (c *SettingsComposer) render(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("system-prompt").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		log.Warn().Err(err).Msg("Could not parse system prompt template, using it verbatim")
		return text
	}

	data := map[string]interface{}{
		"ChatMode":  string(c.Settings.ChatMode),
		"AgentType": c.Settings.AgentType,
		"Date":      time.Now().Format("2006-01-02"),
	}
	for k, v := range c.Vars {
		data[k] = v
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		log.Warn().Err(err).Msg("Could not render system prompt template, using it verbatim")
		return text
	}
	return sb.String()
}

// BuildThinkingPrompt returns the metacognitive, strategy and custom step
// instructions for s, joined by blank lines.
func BuildThinkingPrompt(s *Settings) string {
	var prompts []string

	if s.MetacognitiveType != "" {
		key := strings.ToLower(s.MetacognitiveType)
		key = strings.NewReplacer(" ", "-", "_", "-").Replace(key)
		if p, ok := metacognitivePrompts[key]; ok {
			prompts = append(prompts, p)
		}
	}

	if s.EnableAdvancedThinking && s.IAP != nil && s.IAP.Enabled {
		if p, ok := strategyPrompts[s.IAP.Strategy]; ok {
			prompts = append(prompts, p)
		}
	}

	var steps []string
	for _, step := range s.CustomThinkingSteps {
		if step.Enabled {
			steps = append(steps, "- "+step.Name+": "+step.Prompt)
		}
	}
	if len(steps) > 0 {
		prompts = append(prompts, "Follow these thinking steps:\n"+strings.Join(steps, "\n"))
	}

	return strings.Join(prompts, "\n\n")
}
