package ai

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/adriannowak/ai-feed/internal/config"
)

// Embedded default prompts
//
//go:embed prompts/judge_cold.txt
var defaultJudgeColdPrompt string

//go:embed prompts/judge_warm.txt
var defaultJudgeWarmPrompt string

//go:embed prompts/digest.txt
var defaultDigestPrompt string

const defaultTemperature = 0.2

// PromptType represents the type of AI prompt
type PromptType string

const (
	PromptTypeJudgeCold PromptType = "judge_cold"
	PromptTypeJudgeWarm PromptType = "judge_warm"
	PromptTypeDigest    PromptType = "digest"
)

// PromptLoader resolves prompts with 2-tier fallback: config file, then
// embedded default. Templates are parsed once.
type PromptLoader struct {
	overrides config.PromptsConfig
	parsed    map[PromptType]*template.Template
}

// NewPromptLoader creates a loader. Every template is parsed up front so a
// broken override fails at startup rather than mid-run.
func NewPromptLoader(overrides config.PromptsConfig) (*PromptLoader, error) {
	pl := &PromptLoader{
		overrides: overrides,
		parsed:    make(map[PromptType]*template.Template),
	}
	for _, pt := range []PromptType{PromptTypeJudgeCold, PromptTypeJudgeWarm, PromptTypeDigest} {
		text, err := pl.GetPrompt(pt)
		if err != nil {
			return nil, err
		}
		tmpl, err := parsePrompt(string(pt), text)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", pt, err)
		}
		pl.parsed[pt] = tmpl
	}
	return pl, nil
}

// GetPrompt returns the raw template text for a prompt type.
func (pl *PromptLoader) GetPrompt(promptType PromptType) (string, error) {
	switch promptType {
	case PromptTypeJudgeCold:
		if pl.overrides.JudgeCold != "" {
			return pl.overrides.JudgeCold, nil
		}
		return defaultJudgeColdPrompt, nil
	case PromptTypeJudgeWarm:
		if pl.overrides.JudgeWarm != "" {
			return pl.overrides.JudgeWarm, nil
		}
		return defaultJudgeWarmPrompt, nil
	case PromptTypeDigest:
		if pl.overrides.Digest != "" {
			return pl.overrides.Digest, nil
		}
		return defaultDigestPrompt, nil
	}
	return "", fmt.Errorf("unknown prompt type: %s", promptType)
}

// Temperature returns the sampling temperature for judge prompts.
func (pl *PromptLoader) Temperature() float64 {
	if pl.overrides.Temperature > 0 {
		return pl.overrides.Temperature
	}
	return defaultTemperature
}

// Render executes the parsed template for promptType with data.
func (pl *PromptLoader) Render(promptType PromptType, data any) (string, error) {
	tmpl, ok := pl.parsed[promptType]
	if !ok {
		return "", fmt.Errorf("unknown prompt type: %s", promptType)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// ExecutePrompt renders a prompt template with the given data
func ExecutePrompt(promptTemplate string, data any) (string, error) {
	tmpl, err := parsePrompt("prompt", promptTemplate)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}

	return buf.String(), nil
}

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	"add":  func(a, b int) int { return a + b },
}

func parsePrompt(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(promptFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return tmpl, nil
}
