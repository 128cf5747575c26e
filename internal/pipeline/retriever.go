package pipeline

import (
	"context"
	"fmt"

	"job-agent-go/internal/types"
	"job-agent-go/pkg/retry"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Retriever 把职位文本嵌入后在指定简历版本内检索最相关的分块
type Retriever struct {
	embedder embedding.Embedder
	vectors  VectorIndex
	topK     int
	policy   retry.Policy
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewRetriever 创建检索器
func NewRetriever(embedder embedding.Embedder, vectors VectorIndex, topK int, policy retry.Policy, logger zerolog.Logger) (*Retriever, error) {
	if embedder == nil || vectors == nil {
		return nil, fmt.Errorf("检索器依赖不完整")
	}
	if topK <= 0 {
		topK = 6
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		topK:     topK,
		policy:   policy,
		logger:   logger,
		tracer:   otel.Tracer("job-agent-go/pipeline/retriever"),
	}, nil
}

// Retrieve 返回与职位最相关的分块，按相似度降序（同分按位置升序）。
// 检索只发生在传入的版本内，摄取期间翻转的新版本不会混入。
func (r *Retriever) Retrieve(ctx context.Context, vacancy *types.VacancyQuery, versionID string) ([]types.RetrievedChunk, error) {
	ctx, span := r.tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("vacancy.id", vacancy.VacancyID),
		attribute.String("resume.version_id", versionID),
		attribute.Int("retrieval.top_k", r.topK),
	)

	var queryVector []float64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		vectors, embedErr := r.embedder.EmbedStrings(ctx, []string{vacancy.QueryText()})
		if embedErr != nil {
			return embedErr
		}
		if len(vectors) != 1 {
			return fmt.Errorf("查询嵌入返回数量不符: %d", len(vectors))
		}
		queryVector = vectors[0]
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrEmbeddingFailed, "embedding", vacancy.VacancyID, versionID, err)
	}

	var retrieved []types.RetrievedChunk
	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var searchErr error
		retrieved, searchErr = r.vectors.SearchChunks(ctx, queryVector, r.topK, versionID)
		return searchErr
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, newStageError(ErrRetrievalFailed, "retrieval", vacancy.VacancyID, versionID, err)
	}

	span.SetAttributes(attribute.Int("retrieval.results", len(retrieved)))
	span.SetStatus(codes.Ok, "")
	return retrieved, nil
}
