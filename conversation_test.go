package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleResponder(t *testing.T) {
	r := NewRuleResponder()
	cases := []struct {
		message string
		want    string
	}{
		{"Hello there", "Hello! How can I help you today?"},
		{"hi", "Hello! How can I help you today?"},
		{"how are you doing", "I'm doing well, thank you for asking! How are you?"},
		{"what is your name?", "I'm your meeting assistant. I'm here to help with your meeting needs."},
		{"I need help", "I can help you with meeting assistance, answering questions, and providing information. What would you like to know?"},
		{"ok bye", "Goodbye! Have a great day!"},
		{"thank you so much", "You're welcome! Is there anything else I can help you with?"},
		{"quarterly numbers", "I understand you said: 'quarterly numbers'. How can I assist you further?"},
	}
	for _, tc := range cases {
		got, err := r.Reply(context.Background(), nil, tc.message)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "message: %s", tc.message)
	}
}

func TestNewOpenAIResponderValidation(t *testing.T) {
	_, err := NewOpenAIResponder("", "gpt-4o-mini")
	assert.Error(t, err)

	r, err := NewOpenAIResponder("sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", r.model)
}
