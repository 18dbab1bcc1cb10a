package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
	"github.com/sashabaranov/go-openai"
)

// ErrNotUnderstood is returned when the model could not find a reminder in
// the message.
var ErrNotUnderstood = errors.New("message does not describe a reminder")

type Client struct {
	client *openai.Client
	model  string
	now    func() time.Time
}

func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
		now:    time.Now,
	}
}

// Suggestion is a reminder extracted from free text. It still goes through
// the same validation as a typed command.
type Suggestion struct {
	Understood bool   `json:"understood"`
	Text       string `json:"text"`
	Time       string `json:"time"`
	Rule       string `json:"rule"`
	IsHabit    bool   `json:"is_habit"`
}

const systemPromptTemplate = `You turn chat messages into recurring reminders.

Current time: %s

Reply with:
- understood: false when the message is not a request for a reminder or habit
- text: what to remind about, short, in the user's language
- time: time of day as HH:MM (24h)
- rule: one of %s. Use "once" for a single occurrence, "daily" when no repetition is given but the wording implies a routine
- is_habit: true for something the user wants to build as a habit (exercise, reading, water, meditation), false for plain reminders

Relative times ("in 2 hours", "tonight") are resolved against the current time.`

func (c *Client) systemPrompt() string {
	rules := make([]string, len(models.Rules))
	for i, r := range models.Rules {
		rules[i] = `"` + string(r) + `"`
	}
	return fmt.Sprintf(systemPromptTemplate,
		c.now().Format("2006-01-02 15:04 (Monday)"),
		strings.Join(rules, ", "),
	)
}

func suggestionSchema() json.RawMessage {
	rules := make([]string, len(models.Rules))
	for i, r := range models.Rules {
		rules[i] = string(r)
	}
	enum, _ := json.Marshal(rules)
	return json.RawMessage(fmt.Sprintf(`{
	"type": "object",
	"properties": {
		"understood": {"type": "boolean", "description": "Whether the message asks for a reminder"},
		"text": {"type": "string", "description": "Reminder text"},
		"time": {"type": "string", "description": "Time of day, HH:MM 24h"},
		"rule": {"type": "string", "enum": %s, "description": "Recurrence rule"},
		"is_habit": {"type": "boolean", "description": "Whether this is a habit to track"}
	},
	"required": ["understood", "text", "time", "rule", "is_habit"],
	"additionalProperties": false
}`, enum))
}

// ParseReminder asks the model to extract a reminder from message.
func (c *Client) ParseReminder(ctx context.Context, message string) (*Suggestion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.systemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: message,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "reminder",
				Schema: suggestionSchema(),
				Strict: true,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call AI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from AI")
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &s); err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}
	if !s.Understood || strings.TrimSpace(s.Text) == "" {
		return nil, ErrNotUnderstood
	}
	return &s, nil
}
