package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"job-agent-go/internal/config"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatModel(t *testing.T, serverURL string) *OpenAIChatModel {
	t.Helper()
	m, err := NewOpenAIChatModel(config.LLMConfig{
		APIKey: "test-key",
		APIURL: serverURL,
		Model:  "test-model",
	})
	require.NoError(t, err)
	return m
}

// TestChatGenerate 正常的chat/completions往返
func TestChatGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "回答内容"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer server.Close()

	m := newTestChatModel(t, server.URL)
	resp, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("系统提示"),
		schema.UserMessage("用户问题"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.Assistant, resp.Role)
	assert.Equal(t, "回答内容", resp.Content)
}

// TestChatGenerateServerError 5xx被分类为瞬时后端错误
func TestChatGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error","code":"503"}}`))
	}))
	defer server.Close()

	m := newTestChatModel(t, server.URL)
	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("问题")})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode)
}

// TestChatGenerateEmptyChoices 空choices视为后端错误
func TestChatGenerateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "chatcmpl-2", "choices": []}`))
	}))
	defer server.Close()

	m := newTestChatModel(t, server.URL)
	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("问题")})
	assert.Error(t, err)
}

// TestChatWithTools 绑定工具返回新实例，原实例不受影响
func TestChatWithTools(t *testing.T) {
	m := newTestChatModel(t, "http://unreachable.invalid")

	bound, err := m.WithTools([]*schema.ToolInfo{{Name: "search", Desc: "检索工具"}})
	require.NoError(t, err)

	boundModel, ok := bound.(*OpenAIChatModel)
	require.True(t, ok)
	assert.Len(t, boundModel.boundTools, 1)
	assert.Empty(t, m.boundTools)
}
