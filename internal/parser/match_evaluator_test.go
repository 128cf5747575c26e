package parser

import (
	"context"
	"strings"
	"testing"

	"job-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用LLM模型模拟器
type mockChatModel struct {
	response  string
	err       error
	lastCall  []*schema.Message
	callCount int
}

func (m *mockChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	m.callCount++
	m.lastCall = messages
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{Role: schema.Assistant, Content: m.response}, nil
}

func (m *mockChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (m *mockChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func testVacancy() *types.VacancyQuery {
	return &types.VacancyQuery{
		VacancyID:   "vac-1",
		Title:       "后端开发工程师",
		Description: "负责订单系统的开发与维护，要求熟悉Go和MySQL。",
	}
}

func retrievedChunks(texts ...string) []types.RetrievedChunk {
	out := make([]types.RetrievedChunk, len(texts))
	for i, text := range texts {
		out[i] = types.RetrievedChunk{
			Chunk:      types.Chunk{ChunkID: "ver-1-000" + string(rune('0'+i)), Text: text, Position: i},
			Similarity: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

// TestEvaluateParsesJSON 正常的JSON响应被完整解析
func TestEvaluateParsesJSON(t *testing.T) {
	mock := &mockChatModel{response: `{
		"match_score": 85,
		"cover_letter": "您好，我有三年Go后端开发经验。",
		"match_highlights": ["Go经验匹配", "订单系统经验"],
		"potential_gaps": ["缺少Kubernetes经验"]
	}`}

	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	result, err := evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks("三年Go后端开发经验，负责订单系统。"))
	require.NoError(t, err)

	assert.Equal(t, 85, result.MatchScore)
	assert.InDelta(t, 0.85, result.NormalizedScore(), 1e-9)
	assert.Contains(t, result.CoverLetter, "三年Go后端开发经验")
	assert.Len(t, result.MatchHighlights, 2)
	assert.Len(t, result.PotentialGaps, 1)
}

// TestEvaluateFencedJSON 容忍Markdown代码块包裹的JSON
func TestEvaluateFencedJSON(t *testing.T) {
	mock := &mockChatModel{response: "```json\n{\"match_score\": 60, \"cover_letter\": \"草稿\", \"match_highlights\": [], \"potential_gaps\": []}\n```"}

	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	result, err := evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks("片段"))
	require.NoError(t, err)
	assert.Equal(t, 60, result.MatchScore)
}

// TestEvaluateBOMPrefixedResponse 剥掉响应开头的BOM后正常解析
func TestEvaluateBOMPrefixedResponse(t *testing.T) {
	mock := &mockChatModel{response: "\uFEFF" + `{"match_score": 72, "cover_letter": "草稿", "match_highlights": [], "potential_gaps": []}`}

	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	result, err := evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks("片段"))
	require.NoError(t, err)
	assert.Equal(t, 72, result.MatchScore)
}

// TestEvaluateScoreOutOfRange 超出[0,100]的分数视为失败
func TestEvaluateScoreOutOfRange(t *testing.T) {
	mock := &mockChatModel{response: `{"match_score": 150, "cover_letter": "", "match_highlights": [], "potential_gaps": []}`}

	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	_, err = evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks("片段"))
	assert.Error(t, err)
}

// TestEvaluateGarbageResponse 无法提取JSON的响应报错
func TestEvaluateGarbageResponse(t *testing.T) {
	mock := &mockChatModel{response: "抱歉，我无法完成这个任务。"}

	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	_, err = evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks("片段"))
	assert.Error(t, err)
}

// TestEvaluateContextTruncation 超预算时丢弃低相似度分块，但至少保留一个
func TestEvaluateContextTruncation(t *testing.T) {
	mock := &mockChatModel{response: `{"match_score": 50, "cover_letter": "x", "match_highlights": [], "potential_gaps": []}`}

	// 预算极小，只够职位文本，分块只能保留一个
	evaluator, err := NewLLMMatchEvaluator(mock, 1)
	require.NoError(t, err)

	big := strings.Repeat("经验描述。", 200)
	_, err = evaluator.Evaluate(context.Background(), testVacancy(), retrievedChunks(big, big, big))
	require.NoError(t, err)

	// 发出的prompt只包含第一个分块一次
	require.Len(t, mock.lastCall, 2)
	userPrompt := mock.lastCall[1].Content
	assert.Equal(t, 1, strings.Count(userPrompt, big))
	assert.NotContains(t, userPrompt, "---")
}

// TestEvaluateEmptyRetrieval 没有上下文直接报错，不调用LLM
func TestEvaluateEmptyRetrieval(t *testing.T) {
	mock := &mockChatModel{}
	evaluator, err := NewLLMMatchEvaluator(mock, 2000)
	require.NoError(t, err)

	_, err = evaluator.Evaluate(context.Background(), testVacancy(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, mock.callCount)
}

// TestEstimateTokens CJK与拉丁文字的估算比例
func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 4, EstimateTokens("四个汉字"))
	// 6个拉丁字符约2个token
	assert.Equal(t, 2, EstimateTokens("abcdef"))
}

// TestExtractJSON 配平提取与字符串内花括号的处理
func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`前缀 {"a":1} 后缀`))
	assert.Equal(t, `{"a":"x{y}z"}`, extractJSON(`{"a":"x{y}z"}`))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(`{"a":{"b":2}}`))
	assert.Equal(t, "", extractJSON("没有对象"))
	assert.Equal(t, "", extractJSON(`{"未闭合":`))
}
