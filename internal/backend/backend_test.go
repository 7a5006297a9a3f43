package backend

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Types(t *testing.T) {
	tests := []struct {
		typ  string
		want any
	}{
		{"claude", &CLIAdapter{}},
		{"codex", &CLIAdapter{}},
		{"goose", &CLIAdapter{}},
		{"anthropic", &AnthropicAdapter{}},
		{"openai", &OpenAIAdapter{}},
		{"stub", &StubAdapter{}},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			b, err := New(Config{Type: tt.typ, APIKey: "test-key"}, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, b)
			assert.NoError(t, b.Close())
			assert.NoError(t, b.Close(), "Close must be idempotent")
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Config{Type: "telepathy"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestStub_FillsRequestedFields(t *testing.T) {
	b := NewStubAdapter(Config{SessionID: "s1"})

	resp, err := b.Send(context.Background(), Message{
		Content:      "Request: fitness app\nmore",
		OutputFields: []string{"concept", "target_users"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &out))
	assert.Equal(t, "concept drafted for: Request: fitness app", out["concept"])
	assert.Contains(t, out["target_users"], "target users drafted")
}

func TestStub_DeterministicAndCancellable(t *testing.T) {
	b := NewStubAdapter(Config{})
	msg := Message{Content: "x", OutputFields: []string{"a"}}

	r1, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	r2, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, r1.Content, r2.Content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Send(ctx, msg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStub_NoFieldsReturnsEmptyArray(t *testing.T) {
	resp, err := NewStubAdapter(Config{}).Send(context.Background(), Message{Content: "roles?"})
	require.NoError(t, err)
	assert.Equal(t, "[]", resp.Content)
}

func TestStub_TruncatesTopicByRune(t *testing.T) {
	long := strings.Repeat("é", 100)
	resp, err := NewStubAdapter(Config{}).Send(context.Background(), Message{Content: long, OutputFields: []string{"concept"}})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &out))
	topic := strings.TrimPrefix(out["concept"], "concept drafted for: ")
	assert.True(t, utf8.ValidString(topic))
	assert.Equal(t, 80, utf8.RuneCountInString(topic))
}
