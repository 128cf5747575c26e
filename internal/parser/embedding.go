package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"job-agent-go/internal/config"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
)

// OpenAIEmbedder 通过OpenAI兼容接口计算文本嵌入，实现 embedding.Embedder。
// 简历分块和职位查询共用同一个实例，保证处于同一向量空间（维度D固定）。
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

// EmbedderOption 嵌入器构造选项
type EmbedderOption func(*OpenAIEmbedder)

// WithEmbedderHTTPClient 替换HTTP客户端（测试时注入）
func WithEmbedderHTTPClient(client *http.Client) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.httpClient = client
	}
}

// WithEmbedderLogger 设置日志记录器
func WithEmbedderLogger(logger zerolog.Logger) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.logger = logger
	}
}

// NewOpenAIEmbedder 创建嵌入客户端
func NewOpenAIEmbedder(apiKey string, cfg config.EmbeddingConfig, options ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("嵌入服务base_url不能为空")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("嵌入维度必须大于0")
	}

	e := &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Dimensions 返回配置的向量维度D
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// embeddingRequest OpenAI兼容的嵌入请求体
type embeddingRequest struct {
	Input          interface{} `json:"input"` // string 或 []string
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

// embeddingResponse OpenAI兼容的嵌入响应体
type embeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// EmbedStrings 批量计算嵌入，实现 cloudwego/eino embedding.Embedder 接口。
// 所有返回向量的维度都校验为D，维度漂移视为后端错误。
func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := e.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	var input interface{}
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	reqBody := embeddingRequest{
		Input:      input,
		Model:      effectiveModel,
		Dimensions: e.dimensions,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化嵌入请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &BackendError{Service: "embedding", Message: "发送HTTP请求失败", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Service: "embedding", Message: "读取响应体失败", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var parsed embeddingResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = fmt.Sprintf("%s (type=%s, code=%s)", parsed.Error.Message, parsed.Error.Type, parsed.Error.Code)
		}
		e.logger.Warn().Int("status", resp.StatusCode).Str("body", truncateForLog(msg, 256)).
			Msg("嵌入API调用失败")
		return nil, &BackendError{Service: "embedding", StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &BackendError{Service: "embedding", StatusCode: resp.StatusCode,
			Message: "解析响应JSON失败", Err: err}
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		// 有些后端用200带error字段的方式报错
		return nil, &BackendError{Service: "embedding", StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &BackendError{Service: "embedding", StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("返回向量数(%d)与输入文本数(%d)不一致", len(parsed.Data), len(texts))}
	}

	// 按index排序，后端不保证顺序
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	result := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		if len(d.Embedding) != e.dimensions {
			return nil, &BackendError{Service: "embedding", StatusCode: resp.StatusCode,
				Message: fmt.Sprintf("第%d个向量维度(%d)与配置维度(%d)不一致", i, len(d.Embedding), e.dimensions)}
		}
		result[i] = d.Embedding
	}

	e.logger.Debug().Int("texts", len(texts)).Int("tokens", parsed.Usage.TotalTokens).
		Str("model", effectiveModel).Msg("嵌入计算完成")
	return result, nil
}

// truncateForLog 日志用的字符串截断
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen > 3 {
		return s[:maxLen-3] + "..."
	}
	return s[:maxLen]
}
