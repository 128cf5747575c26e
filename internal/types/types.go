package types

import (
	"time"
)

// ExtractionMethod 标记单页文本的提取方式
type ExtractionMethod string

const (
	// ExtractionNative 原生文本层提取
	ExtractionNative ExtractionMethod = "native"
	// ExtractionOCR 光学字符识别提取（扫描件页面）
	ExtractionOCR ExtractionMethod = "ocr"
)

// ResumePage 简历中的一页，记录页码、原始文本和提取方式
type ResumePage struct {
	PageNo int              `json:"page_no"` // 从1开始
	Text   string           `json:"text"`
	Method ExtractionMethod `json:"method"`
}

// ResumeDocument 一次简历摄入的结果，提取完成后不可变。
// 用户上传新版本时生成新的 VersionID，旧版本被取代而不是被修改。
type ResumeDocument struct {
	DocumentID  string       `json:"document_id"`
	VersionID   string       `json:"version_id"`
	SourceURI   string       `json:"source_uri"` // 对象存储中原始PDF的位置
	ContentMD5  string       `json:"content_md5"`
	ExtractedAt time.Time    `json:"extracted_at"`
	Pages       []ResumePage `json:"pages"`
}

// FullText 按页码顺序拼接所有页面文本
func (d *ResumeDocument) FullText() string {
	total := 0
	for i := range d.Pages {
		total += len(d.Pages[i].Text) + 1
	}
	buf := make([]byte, 0, total)
	for i := range d.Pages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, d.Pages[i].Text...)
	}
	return string(buf)
}

// Chunk 简历文本的一个连续片段，大小适配嵌入模型。
// StartOffset/EndOffset 是在归一化全文中的rune位置，相邻分块允许重叠。
type Chunk struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	VersionID   string    `json:"version_id"`
	Position    int       `json:"position"` // 文档内顺序，从0开始
	Text        string    `json:"text"`
	CharLen     int       `json:"char_len"` // rune计数
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	PageStart   int       `json:"page_start"`
	PageEnd     int       `json:"page_end"`
	Vector      []float64 `json:"-"` // 嵌入计算完成前为nil
}

// VacancyQuery 一条待评估的外部职位信息。
// 查询向量只在流水线内部临时存在，不做持久化。
type VacancyQuery struct {
	VacancyID   string `json:"vacancy_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// QueryText 返回用于嵌入的查询文本
func (v *VacancyQuery) QueryText() string {
	if v.Title == "" {
		return v.Description
	}
	return v.Title + "\n" + v.Description
}

// Decision 流水线对一个职位的终态判定
type Decision string

const (
	// DecisionApply 分数达到投递阈值，生成投递草稿
	DecisionApply Decision = "apply"
	// DecisionSkip 分数低于跳过阈值，放弃该职位
	DecisionSkip Decision = "skip"
	// DecisionReview 介于两者之间或生成失败，留给用户复核
	DecisionReview Decision = "review"
)

// RetrievedChunk 检索结果：分块及其与查询的相似度
type RetrievedChunk struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// MatchResult 一次职位评估的产物，创建后不可变；
// 重复评估同一 (VacancyID, ResumeVersionID) 返回已有结果。
type MatchResult struct {
	VacancyID         string    `json:"vacancy_id"`
	ResumeVersionID   string    `json:"resume_version_id"`
	RetrievedChunkIDs []string  `json:"retrieved_chunk_ids"` // 按相似度降序
	FitScore          float64   `json:"fit_score"`           // [0,1]
	Draft             string    `json:"draft"`               // 投递信草稿，生成失败时为空
	Highlights        []string  `json:"highlights,omitempty"`
	Gaps              []string  `json:"gaps,omitempty"`
	Decision          Decision  `json:"decision"`
	CreatedAt         time.Time `json:"created_at"`
}

// PipelineState 单个职位处理的状态机状态
type PipelineState string

const (
	StateReceived   PipelineState = "received"
	StateRetrieving PipelineState = "retrieving"
	StateMatching   PipelineState = "matching"
	StateDecided    PipelineState = "decided" // 终态
	StateFailed     PipelineState = "failed"  // 终态
)
