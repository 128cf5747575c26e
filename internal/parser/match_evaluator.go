package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"job-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// MatchEvaluation LLM评估输出的结构
type MatchEvaluation struct {
	MatchScore      int      `json:"match_score"` // 0-100
	CoverLetter     string   `json:"cover_letter"`
	MatchHighlights []string `json:"match_highlights"`
	PotentialGaps   []string `json:"potential_gaps"`
}

// NormalizedScore 把0-100的整数分数归一化到[0,1]
func (e *MatchEvaluation) NormalizedScore() float64 {
	s := float64(e.MatchScore) / 100.0
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// LLMMatchEvaluator 用LLM评估职位与简历片段的匹配度并起草求职信。
// 上下文按相似度降序注入，超过token预算时先丢弃相似度最低的分块。
type LLMMatchEvaluator struct {
	llmModel       model.ToolCallingChatModel
	promptTemplate string
	tokenBudget    int
	logger         zerolog.Logger
}

// EvaluatorOption 评估器构造选项
type EvaluatorOption func(*LLMMatchEvaluator)

// WithCustomPromptTemplate 替换默认提示词模板。
// 模板需要两个%s占位：职位描述和简历上下文。
func WithCustomPromptTemplate(template string) EvaluatorOption {
	return func(e *LLMMatchEvaluator) {
		e.promptTemplate = template
	}
}

// WithEvaluatorLogger 设置日志记录器
func WithEvaluatorLogger(logger zerolog.Logger) EvaluatorOption {
	return func(e *LLMMatchEvaluator) {
		e.logger = logger
	}
}

// NewLLMMatchEvaluator 创建评估器。tokenBudget是注入上下文的预算上限。
func NewLLMMatchEvaluator(llmModel model.ToolCallingChatModel, tokenBudget int, options ...EvaluatorOption) (*LLMMatchEvaluator, error) {
	if llmModel == nil {
		return nil, fmt.Errorf("llmModel不能为空")
	}
	if tokenBudget <= 0 {
		tokenBudget = 2000
	}

	e := &LLMMatchEvaluator{
		llmModel:       llmModel,
		promptTemplate: defaultMatchPromptTemplate,
		tokenBudget:    tokenBudget,
		logger:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

const evaluatorSystemMessage = `你是一位资深的求职顾问，替候选人判断一个外部职位是否值得投递，并起草第一人称的求职信。你只依据提供的简历片段陈述事实，绝不编造简历中不存在的经历。`

const defaultMatchPromptTemplate = `基于下面的【职位描述】和从候选人简历中检索出的【简历片段】（按相关性从高到低排列），评估候选人与该职位的匹配度，并以候选人的第一人称起草一封简短的求职信。

**严格按以下JSON格式输出，禁止在JSON之外输出任何文本或Markdown标记：**
1. "match_score": 整数 (0-100)，整体匹配程度。
2. "cover_letter": 字符串，第一人称求职信草稿（200字以内），只引用简历片段中出现的技能和经历。
3. "match_highlights": 字符串数组 (0-5项)，候选人与职位的具体匹配点。
4. "potential_gaps": 字符串数组 (0-3项)，职位要求中简历未覆盖或不符的方面。

**评分原则：**
- 职位的硬性要求（必须具备的核心技术、年限、学历）在简历片段中完全缺失时，match_score不应高于40。
- 核心技能与经验的吻合程度是高权重因素；加分项（证书、名企背景）只在核心要求满足时起作用。
- 95-100 完美匹配；85-94 非常优秀；70-84 值得投递；50-69 有明显差距；50以下 基本不匹配。

【职位描述】:
"""
%s
"""

【简历片段】:
"""
%s
"""

请评估并输出JSON结果。`

// Evaluate 组装有界prompt并调用LLM。
// retrieved必须按相似度降序传入，截断时从尾部开始丢弃。
func (e *LLMMatchEvaluator) Evaluate(ctx context.Context, vacancy *types.VacancyQuery, retrieved []types.RetrievedChunk) (*MatchEvaluation, error) {
	if vacancy == nil {
		return nil, fmt.Errorf("vacancy不能为空")
	}
	if len(retrieved) == 0 {
		return nil, fmt.Errorf("没有可用的简历上下文")
	}

	contextText, kept := e.buildContext(vacancy.QueryText(), retrieved)
	if kept < len(retrieved) {
		e.logger.Debug().Int("kept", kept).Int("total", len(retrieved)).
			Str("vacancy_id", vacancy.VacancyID).Msg("上下文超过token预算，丢弃低相似度分块")
	}

	prompt := fmt.Sprintf(e.promptTemplate, vacancy.QueryText(), contextText)
	messages := []*einoschema.Message{
		einoschema.SystemMessage(evaluatorSystemMessage),
		einoschema.UserMessage(prompt),
	}

	response, err := e.llmModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("LLM调用失败: %w", err)
	}
	if response == nil || response.Content == "" {
		return nil, errors.New("LLM返回空响应")
	}

	content := strings.TrimPrefix(response.Content, "\uFEFF")
	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return nil, fmt.Errorf("无法从LLM响应中提取JSON: %s", truncateForLog(content, 256))
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var result MatchEvaluation
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("解析LLM JSON响应失败: %w, 内容: %s", err, truncateForLog(jsonStr, 256))
	}

	if result.MatchScore < 0 || result.MatchScore > 100 {
		return nil, fmt.Errorf("match_score超出范围[0,100]: %d", result.MatchScore)
	}
	return &result, nil
}

// buildContext 拼接简历片段直到耗尽token预算，返回保留的分块数。
// 预算先扣除职位文本自身占用；至少保留相似度最高的一个分块。
func (e *LLMMatchEvaluator) buildContext(vacancyText string, retrieved []types.RetrievedChunk) (string, int) {
	budget := e.tokenBudget - EstimateTokens(vacancyText)
	if budget < 0 {
		budget = 0
	}

	var b strings.Builder
	kept := 0
	used := 0
	for _, rc := range retrieved {
		cost := EstimateTokens(rc.Chunk.Text) + 4 // 分隔符开销
		if kept > 0 && used+cost > budget {
			break
		}
		if kept > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(rc.Chunk.Text)
		used += cost
		kept++
	}
	return b.String(), kept
}

// EstimateTokens 粗略的token估算：CJK一rune约一个token，
// 其他文字约3个rune一个token。预算语义本身就是近似的。
func EstimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+2)/3
}

// extractJSON 提取文本中第一个配平的JSON对象，容忍Markdown代码块包裹
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inStr {
				escaped = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				level++
			}
		case '}':
			if !inStr {
				level--
				if level == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
