package ai

import (
	"strings"
	"testing"

	"github.com/adriannowak/ai-feed/internal/config"
)

func TestGetPrompt_EmbeddedDefault(t *testing.T) {
	pl, err := NewPromptLoader(config.PromptsConfig{})
	if err != nil {
		t.Fatalf("NewPromptLoader failed: %v", err)
	}

	for _, pt := range []PromptType{PromptTypeJudgeCold, PromptTypeJudgeWarm} {
		t.Run(string(pt), func(t *testing.T) {
			prompt, err := pl.GetPrompt(pt)
			if err != nil {
				t.Fatalf("GetPrompt(%s) failed: %v", pt, err)
			}
			if !strings.Contains(prompt, `"relevant"`) {
				t.Errorf("GetPrompt(%s) does not ask for a verdict", pt)
			}
		})
	}
}

func TestGetPrompt_ConfigOverride(t *testing.T) {
	pl, err := NewPromptLoader(config.PromptsConfig{JudgeCold: "custom {{.Title}}"})
	if err != nil {
		t.Fatalf("NewPromptLoader failed: %v", err)
	}

	prompt, _ := pl.GetPrompt(PromptTypeJudgeCold)
	if prompt != "custom {{.Title}}" {
		t.Errorf("expected config override, got: %q", prompt)
	}

	// Other types should still return embedded defaults
	warm, _ := pl.GetPrompt(PromptTypeJudgeWarm)
	if warm != defaultJudgeWarmPrompt {
		t.Error("warm prompt should fall back to the embedded default")
	}

	out, err := pl.Render(PromptTypeJudgeCold, judgePromptData{Title: "Hello"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "custom Hello" {
		t.Errorf("Render = %q", out)
	}
}

func TestNewPromptLoaderRejectsBrokenOverride(t *testing.T) {
	if _, err := NewPromptLoader(config.PromptsConfig{JudgeWarm: "{{.Title"}); err == nil {
		t.Error("expected parse error for broken template")
	}
}

func TestGetPrompt_UnknownType(t *testing.T) {
	pl, _ := NewPromptLoader(config.PromptsConfig{})
	if _, err := pl.GetPrompt("summarize"); err == nil {
		t.Error("expected error for unknown prompt type")
	}
}

func TestTemperature(t *testing.T) {
	pl, _ := NewPromptLoader(config.PromptsConfig{})
	if pl.Temperature() != defaultTemperature {
		t.Errorf("temperature = %v", pl.Temperature())
	}
	pl, _ = NewPromptLoader(config.PromptsConfig{Temperature: 0.7})
	if pl.Temperature() != 0.7 {
		t.Errorf("temperature = %v", pl.Temperature())
	}
}

func TestExecutePrompt(t *testing.T) {
	out, err := ExecutePrompt(`{{join .Keywords "+"}}`, judgePromptData{Keywords: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("ExecutePrompt failed: %v", err)
	}
	if out != "a+b" {
		t.Errorf("got %q", out)
	}

	if _, err := ExecutePrompt("{{.Missing", nil); err == nil {
		t.Error("expected parse error")
	}
}
