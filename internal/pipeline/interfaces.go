package pipeline

import (
	"context"
	"io"
	"time"

	"job-agent-go/internal/parser"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
)

// Extractor 把原始PDF字节提取为带页级信息的文档
type Extractor interface {
	Extract(ctx context.Context, data []byte, sourceURI string) (*types.ResumeDocument, error)
}

// Chunker 把文档切分为嵌入用的分块
type Chunker interface {
	Chunk(doc *types.ResumeDocument) ([]types.Chunk, error)
}

// VectorIndex 版本化的向量索引
type VectorIndex interface {
	UpsertChunks(ctx context.Context, chunks []types.Chunk) ([]string, error)
	SearchChunks(ctx context.Context, queryVector []float64, topK int, versionID string) ([]types.RetrievedChunk, error)
	DeleteVersionPoints(ctx context.Context, versionID string) error
}

// MetadataStore 关系型元数据存储（版本、分块文本、匹配结果、运行记录）
type MetadataStore interface {
	CreateResumeVersion(ctx context.Context, version *models.ResumeVersion) error
	SaveChunks(ctx context.Context, chunks []types.Chunk) error
	ActivateResumeVersion(ctx context.Context, documentID, versionID string) error
	GetActiveResumeVersion(ctx context.Context) (*models.ResumeVersion, error)
	FindVersionByContentMD5(ctx context.Context, md5sum string) (*models.ResumeVersion, error)
	GetMatchResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, error)
	SaveMatchResultWithOutbox(ctx context.Context, result *types.MatchResult, outbox *models.OutboxMessage) (*types.MatchResult, error)
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	UpdatePipelineRunState(ctx context.Context, runID uint64, state string) error
	FinishPipelineRun(ctx context.Context, runID uint64, state, failureStage, errMsg string) error
}

// CacheStore 热路径缓存（活跃版本、MD5映射、结果缓存）
type CacheStore interface {
	GetVersionByMD5(ctx context.Context, md5Hex string) (string, error)
	SetMD5Version(ctx context.Context, md5Hex, versionID string) error
	GetActiveVersion(ctx context.Context) (string, error)
	SetActiveVersion(ctx context.Context, versionID string) error
	CacheMatchResult(ctx context.Context, result *types.MatchResult, ttl time.Duration) error
	GetCachedMatchResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, error)
}

// Archiver 原始文件与解析文本的归档存储
type Archiver interface {
	UploadResumeFile(ctx context.Context, versionID, fileExt string, reader io.Reader, fileSize int64) (string, error)
	UploadParsedText(ctx context.Context, versionID string, text string) (string, error)
}

// Evaluator 职位与简历上下文的LLM评估器
type Evaluator interface {
	Evaluate(ctx context.Context, vacancy *types.VacancyQuery, retrieved []types.RetrievedChunk) (*parser.MatchEvaluation, error)
}
