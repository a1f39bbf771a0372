package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Responder produces the assistant half of a text conversation turn.
type Responder interface {
	Reply(ctx context.Context, history []Turn, message string) (string, error)
}

// RuleResponder is the offline fallback: canned keyword-matched replies,
// so the text channel works without any API key configured.
type RuleResponder struct{}

var _ Responder = (*RuleResponder)(nil)

func NewRuleResponder() *RuleResponder {
	return &RuleResponder{}
}

func (r *RuleResponder) Reply(_ context.Context, _ []Turn, message string) (string, error) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "hello"), strings.Contains(lower, "hi"):
		return "Hello! How can I help you today?", nil
	case strings.Contains(lower, "how are you"):
		return "I'm doing well, thank you for asking! How are you?", nil
	case strings.Contains(lower, "what is your name"):
		return "I'm your meeting assistant. I'm here to help with your meeting needs.", nil
	case strings.Contains(lower, "help"):
		return "I can help you with meeting assistance, answering questions, and providing information. What would you like to know?", nil
	case strings.Contains(lower, "bye"), strings.Contains(lower, "goodbye"):
		return "Goodbye! Have a great day!", nil
	case strings.Contains(lower, "thank"):
		return "You're welcome! Is there anything else I can help you with?", nil
	}
	return fmt.Sprintf("I understand you said: '%s'. How can I assist you further?", message), nil
}

// OpenAIResponder answers text turns with a chat completion, replaying the
// session history as conversation context.
type OpenAIResponder struct {
	client openai.Client
	model  string
	system string
}

var _ Responder = (*OpenAIResponder)(nil)

func NewOpenAIResponder(apiKey, model string) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, errors.New("no API key provided")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIResponder{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		system: "You are a helpful meeting assistant. Respond naturally to questions and provide helpful information.",
	}, nil
}

func (r *OpenAIResponder) Reply(ctx context.Context, history []Turn, message string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(r.system))
	for _, turn := range history {
		switch turn.Role {
		case "assistant", "gemini":
			messages = append(messages, openai.AssistantMessage(turn.Message))
		default:
			messages = append(messages, openai.UserMessage(turn.Message))
		}
	}
	messages = append(messages, openai.UserMessage(message))
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(r.model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("requesting chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
