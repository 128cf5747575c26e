package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"job-agent-go/internal/config"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// OpenAIChatModel 通过OpenAI兼容的chat/completions接口调用大模型，
// 实现 model.ToolCallingChatModel。评估流水线只用Generate，不开流式。
type OpenAIChatModel struct {
	apiKey     string
	modelName  string
	apiURL     string
	httpClient *http.Client
	boundTools []chatTool
	logger     zerolog.Logger
}

var _ model.ToolCallingChatModel = (*OpenAIChatModel)(nil)

// ChatModelOption 聊天模型构造选项
type ChatModelOption func(*OpenAIChatModel)

// WithChatHTTPClient 替换HTTP客户端（测试时注入）
func WithChatHTTPClient(client *http.Client) ChatModelOption {
	return func(m *OpenAIChatModel) {
		m.httpClient = client
	}
}

// WithChatLogger 设置日志记录器
func WithChatLogger(logger zerolog.Logger) ChatModelOption {
	return func(m *OpenAIChatModel) {
		m.logger = logger
	}
}

// NewOpenAIChatModel 创建聊天模型客户端
func NewOpenAIChatModel(cfg config.LLMConfig, options ...ChatModelOption) (*OpenAIChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("聊天模型api_url不能为空")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("聊天模型名不能为空")
	}

	m := &OpenAIChatModel{
		apiKey:     cfg.APIKey,
		modelName:  cfg.Model,
		apiURL:     cfg.APIURL,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// chatTool OpenAI兼容的工具声明
type chatTool struct {
	Type     string `json:"type"` // 固定为 "function"
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// chatCompletionRequest OpenAI兼容的请求体。
// schema.Message 的 role/content 字段与OpenAI格式直接兼容。
type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []*schema.Message `json:"messages"`
	Tools    []chatTool        `json:"tools,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Generate 实现 model.BaseChatModel 接口
func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("消息列表不能为空")
	}

	reqBody := chatCompletionRequest{
		Model:    m.modelName,
		Messages: messages,
	}
	if len(m.boundTools) > 0 {
		reqBody.Tools = m.boundTools
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化聊天请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &BackendError{Service: "llm", Message: "发送HTTP请求失败", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Service: "llm", Message: "读取响应体失败", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var parsed chatCompletionResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = fmt.Sprintf("%s (type=%s, code=%s)", parsed.Error.Message, parsed.Error.Type, parsed.Error.Code)
		}
		m.logger.Warn().Int("status", resp.StatusCode).Str("body", truncateForLog(msg, 256)).
			Msg("聊天模型API调用失败")
		return nil, &BackendError{Service: "llm", StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &BackendError{Service: "llm", StatusCode: resp.StatusCode,
			Message: "解析响应JSON失败", Err: err}
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, &BackendError{Service: "llm", StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &BackendError{Service: "llm", StatusCode: resp.StatusCode, Message: "响应不包含choices"}
	}

	choice := parsed.Choices[0]
	result := &schema.Message{
		Role:    schema.RoleType(choice.Message.Role),
		Content: choice.Message.Content,
	}
	if result.Role == "" {
		result.Role = schema.Assistant
	}
	if len(choice.Message.ToolCalls) > 0 {
		result.ToolCalls = make([]schema.ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			result.ToolCalls[i] = schema.ToolCall{
				ID: tc.ID,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}

	m.logger.Debug().Str("model", m.modelName).Int("tokens", parsed.Usage.TotalTokens).
		Str("finish_reason", choice.FinishReason).Msg("聊天模型调用完成")
	return result, nil
}

// Stream 实现 model.BaseChatModel 接口。评估流程不需要流式输出。
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAIChatModel 未实现流式输出")
}

// WithTools 实现 model.ToolCallingChatModel 接口：返回绑定了工具的新实例。
// 工具参数schema按空对象声明，后端依据名称与描述做选择。
func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound := make([]chatTool, 0, len(tools))
	for _, info := range tools {
		if info == nil {
			continue
		}
		var t chatTool
		t.Type = "function"
		t.Function.Name = info.Name
		t.Function.Description = info.Desc
		t.Function.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		bound = append(bound, t)
	}

	clone := *m
	clone.boundTools = bound
	return &clone, nil
}
