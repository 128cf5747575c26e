package handler

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/pipeline"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/types"

	"github.com/rs/zerolog"
)

// 上传文件大小上限，超出直接拒绝
const maxResumeFileSize = 20 << 20 // 20 MiB

// PipelineHandler 协调HTTP入口与摄取/评估流水线
type PipelineHandler struct {
	cfg          *config.Config
	storage      *storage.Storage
	ingester     *pipeline.Ingester
	orchestrator *pipeline.Orchestrator
	logger       zerolog.Logger
}

// NewPipelineHandler 创建处理器
func NewPipelineHandler(
	cfg *config.Config,
	storage *storage.Storage,
	ingester *pipeline.Ingester,
	orchestrator *pipeline.Orchestrator,
	logger zerolog.Logger,
) *PipelineHandler {
	return &PipelineHandler{
		cfg:          cfg,
		storage:      storage,
		ingester:     ingester,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ResumeUploadResponse 简历上传响应
type ResumeUploadResponse struct {
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
	OCRPages   int    `json:"ocr_pages"`
	Status     string `json:"status"` // INDEXED 或 DUPLICATE_CONTENT
}

// HandleResumeUpload 处理简历上传：读取文件内容并交给摄取流水线。
// 内容与已索引版本完全相同时返回已有版本，不重复建索引。
func (h *PipelineHandler) HandleResumeUpload(ctx context.Context, reader io.Reader, fileSize int64, filename string) (*ResumeUploadResponse, error) {
	if fileSize > maxResumeFileSize {
		return nil, fmt.Errorf("文件大小 %d 超过上限 %d", fileSize, maxResumeFileSize)
	}

	fileBytes, err := io.ReadAll(io.LimitReader(reader, maxResumeFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("读取上传文件内容失败: %w", err)
	}
	if len(fileBytes) > maxResumeFileSize {
		return nil, fmt.Errorf("文件大小超过上限 %d", maxResumeFileSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && ext != ".pdf" {
		return nil, fmt.Errorf("不支持的文件类型: %s，仅接受PDF", ext)
	}

	result, err := h.ingester.Ingest(ctx, fileBytes, filename)
	if err != nil {
		return nil, err
	}

	status := "INDEXED"
	if result.Reused {
		status = "DUPLICATE_CONTENT"
	}
	h.logger.Info().
		Str("document_id", result.DocumentID).
		Str("version_id", result.VersionID).
		Str("status", status).
		Int("chunk_count", result.ChunkCount).
		Msg("简历上传处理完成")

	return &ResumeUploadResponse{
		DocumentID: result.DocumentID,
		VersionID:  result.VersionID,
		PageCount:  result.PageCount,
		ChunkCount: result.ChunkCount,
		OCRPages:   result.OCRPages,
		Status:     status,
	}, nil
}

// VacancyEvaluateRequest 职位评估请求
type VacancyEvaluateRequest struct {
	VacancyID   string `json:"vacancy_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// HandleVacancyEvaluate 同步评估一个职位并返回终态结果
func (h *PipelineHandler) HandleVacancyEvaluate(ctx context.Context, req *VacancyEvaluateRequest) (*types.MatchResult, error) {
	vacancy := &types.VacancyQuery{
		VacancyID:   req.VacancyID,
		Title:       req.Title,
		Description: req.Description,
	}
	return h.orchestrator.EvaluateVacancy(ctx, vacancy)
}

// HandleListMatches 查询一个职位下的全部评估结果
func (h *PipelineHandler) HandleListMatches(ctx context.Context, vacancyID string) ([]*types.MatchResult, error) {
	if strings.TrimSpace(vacancyID) == "" {
		return nil, fmt.Errorf("vacancy_id不能为空")
	}
	return h.storage.MySQL.ListMatchResultsByVacancy(ctx, vacancyID)
}

// ActiveVersionResponse 当前活跃简历版本信息
type ActiveVersionResponse struct {
	VersionID        string `json:"version_id"`
	DocumentID       string `json:"document_id"`
	ExtractionMethod string `json:"extraction_method"`
	PageCount        int    `json:"page_count"`
	ChunkCount       int    `json:"chunk_count"`
	IndexedAt        string `json:"indexed_at,omitempty"`
}

// HandleGetActiveVersion 返回当前活跃的简历版本，没有则返回nil
func (h *PipelineHandler) HandleGetActiveVersion(ctx context.Context) (*ActiveVersionResponse, error) {
	version, err := h.storage.MySQL.GetActiveResumeVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询活跃版本失败: %w", err)
	}
	if version == nil {
		return nil, nil
	}
	resp := &ActiveVersionResponse{
		VersionID:        version.VersionID,
		DocumentID:       version.DocumentID,
		ExtractionMethod: version.ExtractionMethod,
		PageCount:        version.PageCount,
		ChunkCount:       version.ChunkCount,
	}
	if version.IndexedAt != nil {
		resp.IndexedAt = version.IndexedAt.UTC().Format(time.RFC3339)
	}
	return resp, nil
}
