package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// TriageSuggestion holds the LLM's severity/priority assessment of a bug.
type TriageSuggestion struct {
	Severity  string `json:"severity"`
	Priority  string `json:"priority"`
	Rationale string `json:"rationale"`
}

// Client wraps the Anthropic API for bug triage.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildTriagePrompt constructs the system and user prompts for triage.
func buildTriagePrompt(name, description string) (system string, user string) {
	system = `You triage bug reports for a bug tracker. Given a bug's name and description, return a JSON object with exactly three fields:

- "severity": one of "Trivial", "Minor", "Major", "Critical". How damaging the defect is (data loss or security = Critical, broken core workflow = Major, cosmetic = Trivial)
- "priority": one of "Low", "Medium", "High". How urgently it should be fixed
- "rationale": one or two sentences explaining the assessment

Rules:
- Return valid JSON only, no markdown fencing or explanation outside the JSON
- Severity measures impact, priority measures urgency; they are independent
- When the report is too vague to judge, default severity to "Minor" and priority to "Medium" and say so in the rationale`

	var sb strings.Builder
	sb.WriteString("Bug name: ")
	sb.WriteString(name)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(description)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// stripFencing removes markdown code fencing from an LLM response.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// SuggestTriage sends the bug report to the LLM and returns its
// severity/priority suggestion.
func (c *Client) SuggestTriage(ctx context.Context, name, description string) (*TriageSuggestion, error) {
	systemPrompt, userPrompt := buildTriagePrompt(name, description)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	text = stripFencing(text)

	var suggestion TriageSuggestion
	if err := json.Unmarshal([]byte(text), &suggestion); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &suggestion, nil
}
