package pipeline

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/parser"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
	"job-agent-go/pkg/retry"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IngestResult 一次简历摄取的结果
type IngestResult struct {
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
	OCRPages   int    `json:"ocr_pages"`
	Reused     bool   `json:"reused"` // 内容MD5命中已有版本，未重新索引
}

// Ingester 简历摄取服务：提取、分块、嵌入、建索引、翻转活跃版本。
// 摄取串行执行；评估侧在翻转完成前始终读到旧版本。
type Ingester struct {
	extractor Extractor
	chunker   Chunker
	embedder  embedding.Embedder
	vectors   VectorIndex
	meta      MetadataStore
	cache     CacheStore
	archiver  Archiver
	active    *ActiveVersionCell

	cfg     config.PipelineConfig
	policy  retry.Policy
	logger  zerolog.Logger
	tracer  trace.Tracer
	ingestM sync.Mutex
}

// IngesterOption 摄取服务构造选项
type IngesterOption func(*Ingester)

// WithArchiver 启用对象存储归档
func WithArchiver(archiver Archiver) IngesterOption {
	return func(i *Ingester) {
		i.archiver = archiver
	}
}

// WithIngesterLogger 设置日志记录器
func WithIngesterLogger(logger zerolog.Logger) IngesterOption {
	return func(i *Ingester) {
		i.logger = logger
	}
}

// WithIngestRetryPolicy 覆盖外部调用的重试策略
func WithIngestRetryPolicy(policy retry.Policy) IngesterOption {
	return func(i *Ingester) {
		i.policy = policy
	}
}

// NewIngester 创建摄取服务
func NewIngester(
	extractor Extractor,
	chunker Chunker,
	embedder embedding.Embedder,
	vectors VectorIndex,
	meta MetadataStore,
	cache CacheStore,
	active *ActiveVersionCell,
	cfg config.PipelineConfig,
	opts ...IngesterOption,
) (*Ingester, error) {
	if extractor == nil || chunker == nil || embedder == nil || vectors == nil || meta == nil {
		return nil, fmt.Errorf("摄取服务依赖不完整")
	}
	if active == nil {
		active = NewActiveVersionCell()
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = time.Duration(cfg.RetryBackoffBaseMS) * time.Millisecond
	policy.Retryable = parser.IsTransient

	ing := &Ingester{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		meta:      meta,
		cache:     cache,
		active:    active,
		cfg:       cfg,
		policy:    policy,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("job-agent-go/pipeline/ingest"),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing, nil
}

// ActiveCell 返回摄取侧维护的活跃版本单元
func (i *Ingester) ActiveCell() *ActiveVersionCell {
	return i.active
}

// Ingest 执行一次完整的简历摄取。
// 同内容重复上传短路返回已有版本；活跃指针只在索引完全建好后翻转。
func (i *Ingester) Ingest(ctx context.Context, data []byte, filename string) (*IngestResult, error) {
	i.ingestM.Lock()
	defer i.ingestM.Unlock()

	ctx, span := i.tracer.Start(ctx, "Ingester.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("resume.filename", filename),
		attribute.Int("resume.bytes", len(data)),
	)

	if len(data) == 0 {
		err := newStageError(ErrIngestFailed, "extract", "", "", parser.ErrEmptyDocument)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sum := md5.Sum(data)
	contentMD5 := hex.EncodeToString(sum[:])

	// 内容去重：同一份文件重复上传直接复用已索引的版本
	if reused, err := i.lookupExistingVersion(ctx, contentMD5); err == nil && reused != nil {
		span.SetAttributes(attribute.Bool("resume.reused", true))
		span.SetStatus(codes.Ok, "duplicate content")
		return reused, nil
	}

	documentID := i.resolveDocumentID(ctx)
	versionID := uuid.NewString()

	doc, err := i.extractor.Extract(ctx, data, filename)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "extract", "", versionID, err)
	}
	doc.DocumentID = documentID
	doc.VersionID = versionID

	chunks, err := i.chunker.Chunk(doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "chunk", "", versionID, err)
	}
	if len(chunks) == 0 {
		span.SetStatus(codes.Error, "no chunks")
		return nil, newStageError(ErrIngestFailed, "chunk", "", versionID, parser.ErrEmptyDocument)
	}

	if err := i.embedChunks(ctx, chunks); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrEmbeddingFailed, "embedding", "", versionID, err)
	}

	ocrPages := 0
	for _, p := range doc.Pages {
		if p.Method == types.ExtractionOCR {
			ocrPages++
		}
	}

	rawPath, parsedPath := i.archive(ctx, versionID, data, doc)

	version := &models.ResumeVersion{
		VersionID:        versionID,
		DocumentID:       documentID,
		SourceURI:        doc.SourceURI,
		OriginalFilename: filename,
		RawFilePathOSS:   rawPath,
		ParsedTextPath:   parsedPath,
		ContentMD5:       contentMD5,
		ExtractionMethod: extractionMethodLabel(ocrPages, len(doc.Pages)),
		PageCount:        len(doc.Pages),
		ChunkCount:       len(chunks),
	}
	if err := i.meta.CreateResumeVersion(ctx, version); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "persist_version", "", versionID, err)
	}
	if err := i.meta.SaveChunks(ctx, chunks); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "persist_chunks", "", versionID, err)
	}

	if _, err := i.vectors.UpsertChunks(ctx, chunks); err != nil {
		// 未激活的索引残留无法被检索到，但仍然尽量清掉
		if delErr := i.vectors.DeleteVersionPoints(context.WithoutCancel(ctx), versionID); delErr != nil {
			i.logger.Warn().Err(delErr).Str("version_id", versionID).Msg("清理未完成版本的向量失败")
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "index", "", versionID, err)
	}

	previous := i.active.Load()

	// 索引完全建好之后才翻转活跃指针
	if err := i.meta.ActivateResumeVersion(ctx, documentID, versionID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrIngestFailed, "activate", "", versionID, err)
	}
	i.active.Store(versionID)

	if i.cache != nil {
		if err := i.cache.SetActiveVersion(ctx, versionID); err != nil {
			i.logger.Warn().Err(err).Msg("更新活跃版本缓存失败")
		}
		if err := i.cache.SetMD5Version(ctx, contentMD5, versionID); err != nil {
			i.logger.Warn().Err(err).Msg("写入MD5去重映射失败")
		}
	}

	// 被取代版本的向量延后删除，正在进行的评估仍可读完旧版本
	if previous != "" && previous != versionID {
		if err := i.vectors.DeleteVersionPoints(context.WithoutCancel(ctx), previous); err != nil {
			i.logger.Warn().Err(err).Str("version_id", previous).Msg("删除被取代版本的向量失败")
		}
	}

	i.logger.Info().
		Str("document_id", documentID).
		Str("version_id", versionID).
		Int("pages", len(doc.Pages)).
		Int("ocr_pages", ocrPages).
		Int("chunks", len(chunks)).
		Msg("简历摄取完成")

	span.SetStatus(codes.Ok, "")
	return &IngestResult{
		DocumentID: documentID,
		VersionID:  versionID,
		PageCount:  len(doc.Pages),
		ChunkCount: len(chunks),
		OCRPages:   ocrPages,
	}, nil
}

// lookupExistingVersion 按内容MD5查重，先查缓存再回源数据库
func (i *Ingester) lookupExistingVersion(ctx context.Context, contentMD5 string) (*IngestResult, error) {
	if i.cache != nil {
		versionID, err := i.cache.GetVersionByMD5(ctx, contentMD5)
		if err == nil && versionID != "" {
			return &IngestResult{VersionID: versionID, Reused: true}, nil
		}
	}
	version, err := i.meta.FindVersionByContentMD5(ctx, contentMD5)
	if err != nil || version == nil {
		return nil, err
	}
	// 只复用已经完成索引的版本
	if version.IndexedAt == nil {
		return nil, nil
	}
	if i.cache != nil {
		_ = i.cache.SetMD5Version(ctx, contentMD5, version.VersionID)
	}
	return &IngestResult{
		DocumentID: version.DocumentID,
		VersionID:  version.VersionID,
		PageCount:  version.PageCount,
		ChunkCount: version.ChunkCount,
		Reused:     true,
	}, nil
}

// resolveDocumentID 沿用活跃版本所属的文档，没有活跃版本时开新文档
func (i *Ingester) resolveDocumentID(ctx context.Context) string {
	if version, err := i.meta.GetActiveResumeVersion(ctx); err == nil && version != nil {
		return version.DocumentID
	}
	return uuid.NewString()
}

// embedChunks 按批调用嵌入服务并把向量写回分块，瞬时错误重试
func (i *Ingester) embedChunks(ctx context.Context, chunks []types.Chunk) error {
	batchSize := i.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		var vectors [][]float64
		err := retry.Do(ctx, i.policy, func(ctx context.Context) error {
			var embedErr error
			vectors, embedErr = i.embedder.EmbedStrings(ctx, texts)
			return embedErr
		})
		if err != nil {
			return fmt.Errorf("嵌入批次 [%d,%d) 失败: %w", start, end, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("嵌入批次返回数量不符: 期望%d, 实际%d", len(texts), len(vectors))
		}
		for j := range vectors {
			chunks[start+j].Vector = vectors[j]
		}
	}
	return nil
}

// archive 把原始文件与归一化文本归档到对象存储，失败降级为日志
func (i *Ingester) archive(ctx context.Context, versionID string, data []byte, doc *types.ResumeDocument) (string, string) {
	if i.archiver == nil {
		return "", ""
	}
	rawPath, err := i.archiver.UploadResumeFile(ctx, versionID, ".pdf", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		i.logger.Warn().Err(err).Str("version_id", versionID).Msg("归档原始简历失败")
		rawPath = ""
	}
	parsedPath, err := i.archiver.UploadParsedText(ctx, versionID, doc.FullText())
	if err != nil {
		i.logger.Warn().Err(err).Str("version_id", versionID).Msg("归档解析文本失败")
		parsedPath = ""
	}
	return rawPath, parsedPath
}

func extractionMethodLabel(ocrPages, totalPages int) string {
	switch {
	case ocrPages == 0:
		return string(types.ExtractionNative)
	case ocrPages == totalPages:
		return string(types.ExtractionOCR)
	default:
		return "mixed"
	}
}
