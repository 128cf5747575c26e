package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/parser"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
	"job-agent-go/pkg/retry"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventTypeMatchDecided 终态结果的事件类型
const EventTypeMatchDecided = "match.decided"

// MatchDecidedEvent 发布到消息代理的终态事件载荷
type MatchDecidedEvent struct {
	VacancyID       string  `json:"vacancy_id"`
	ResumeVersionID string  `json:"resume_version_id"`
	FitScore        float64 `json:"fit_score"`
	Decision        string  `json:"decision"`
	DecidedAt       string  `json:"decided_at"`
}

// Orchestrator 职位评估编排器：幂等检查、检索、LLM评估、阈值判定、持久化。
// 并发由信号量约束；同一(vacancy, version)键的重复请求返回首个落库的结果。
type Orchestrator struct {
	meta      MetadataStore
	cache     CacheStore
	retriever *Retriever
	evaluator Evaluator
	active    *ActiveVersionCell

	cfg       config.PipelineConfig
	policy    retry.Policy
	sem       chan struct{}
	resultTTL time.Duration

	eventsExchange string
	decidedRouting string

	logger zerolog.Logger
	tracer trace.Tracer
}

// OrchestratorOption 编排器构造选项
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger 设置日志记录器
func WithOrchestratorLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithResultCacheTTL 设置结果缓存的有效期
func WithResultCacheTTL(ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.resultTTL = ttl
		}
	}
}

// WithDecidedEventTarget 设置终态事件的发布目标
func WithDecidedEventTarget(exchange, routingKey string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.eventsExchange = exchange
		o.decidedRouting = routingKey
	}
}

// NewOrchestrator 创建评估编排器
func NewOrchestrator(
	meta MetadataStore,
	cache CacheStore,
	retriever *Retriever,
	evaluator Evaluator,
	active *ActiveVersionCell,
	cfg config.PipelineConfig,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if meta == nil || retriever == nil || evaluator == nil {
		return nil, fmt.Errorf("编排器依赖不完整")
	}
	if active == nil {
		active = NewActiveVersionCell()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = time.Duration(cfg.RetryBackoffBaseMS) * time.Millisecond
	policy.Retryable = parser.IsTransient

	o := &Orchestrator{
		meta:      meta,
		cache:     cache,
		retriever: retriever,
		evaluator: evaluator,
		active:    active,
		cfg:       cfg,
		policy:    policy,
		sem:       make(chan struct{}, concurrency),
		resultTTL: 24 * time.Hour,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("job-agent-go/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// EvaluateVacancy 评估一个职位并返回终态结果。
// 同一(vacancy_id, resume_version_id)的重复调用返回字节级一致的已有结果；
// ctx取消时中止处理且不持久化部分结果。
func (o *Orchestrator) EvaluateVacancy(ctx context.Context, vacancy *types.VacancyQuery) (*types.MatchResult, error) {
	if err := validateVacancy(vacancy); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.EvaluateVacancy")
	defer span.End()
	span.SetAttributes(attribute.String("vacancy.id", vacancy.VacancyID))

	versionID, err := o.resolveActiveVersion(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("resume.version_id", versionID))

	// 幂等键命中直接返回已有终态
	if result, ok := o.lookupExistingResult(ctx, vacancy.VacancyID, versionID); ok {
		span.SetAttributes(attribute.Bool("result.idempotent_hit", true))
		span.SetStatus(codes.Ok, "idempotent hit")
		return result, nil
	}

	// 并发信号量，等待期间尊重取消
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled while queued")
		return nil, ctx.Err()
	}

	// 信号量等待期间可能有并发请求已落库
	if result, ok := o.lookupExistingResult(ctx, vacancy.VacancyID, versionID); ok {
		span.SetStatus(codes.Ok, "idempotent hit")
		return result, nil
	}

	run := &models.PipelineRun{
		VacancyID:       vacancy.VacancyID,
		ResumeVersionID: versionID,
		State:           string(types.StateReceived),
		StartedAt:       time.Now(),
	}
	if err := o.meta.CreatePipelineRun(ctx, run); err != nil {
		o.logger.Warn().Err(err).Msg("创建运行记录失败")
	}

	result, err := o.process(ctx, vacancy, versionID, run.RunID)
	if err != nil {
		o.finishRun(run.RunID, string(types.StateFailed), FailureStage(err), err.Error())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.finishRun(run.RunID, string(types.StateDecided), "", "")
	span.SetAttributes(
		attribute.Float64("match.fit_score", result.FitScore),
		attribute.String("match.decision", string(result.Decision)),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// process 执行检索→评估→判定→持久化。任何一步失败都不写match_results。
// 进入检索和评估阶段时推进运行记录的状态。
func (o *Orchestrator) process(ctx context.Context, vacancy *types.VacancyQuery, versionID string, runID uint64) (*types.MatchResult, error) {
	o.markRunState(ctx, runID, types.StateRetrieving)
	retrieved, err := o.retriever.Retrieve(ctx, vacancy, versionID)
	if err != nil {
		return nil, err
	}
	if len(retrieved) == 0 {
		return nil, newStageError(ErrRetrievalFailed, "retrieval", vacancy.VacancyID, versionID,
			fmt.Errorf("版本 %s 检索不到任何分块", versionID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.markRunState(ctx, runID, types.StateMatching)
	result := o.evaluate(ctx, vacancy, versionID, retrieved)
	if err := ctx.Err(); err != nil {
		// 取消时丢弃评估产物，不做持久化
		return nil, err
	}

	return o.persist(ctx, result)
}

// evaluate 调用LLM并做阈值判定。
// 检索成功但生成失败不是整体失败：降级为review终态，草稿留空。
func (o *Orchestrator) evaluate(ctx context.Context, vacancy *types.VacancyQuery, versionID string, retrieved []types.RetrievedChunk) *types.MatchResult {
	chunkIDs := make([]string, len(retrieved))
	for i, rc := range retrieved {
		chunkIDs[i] = rc.Chunk.ChunkID
	}

	result := &types.MatchResult{
		VacancyID:         vacancy.VacancyID,
		ResumeVersionID:   versionID,
		RetrievedChunkIDs: chunkIDs,
		CreatedAt:         time.Now(),
	}

	var evaluation *parser.MatchEvaluation
	err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		callCtx := ctx
		if o.cfg.CallTimeoutSeconds > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.CallTimeoutSeconds)*time.Second)
			defer cancel()
		}
		var evalErr error
		evaluation, evalErr = o.evaluator.Evaluate(callCtx, vacancy, retrieved)
		return evalErr
	})
	if err != nil {
		o.logger.Warn().Err(err).
			Str("vacancy_id", vacancy.VacancyID).
			Str("version_id", versionID).
			Msg("LLM评估失败，降级为review")
		result.FitScore = 0
		result.Decision = types.DecisionReview
		return result
	}

	result.FitScore = evaluation.NormalizedScore()
	result.Highlights = evaluation.MatchHighlights
	result.Gaps = evaluation.PotentialGaps
	result.Decision = o.decide(result.FitScore)
	if result.Decision != types.DecisionSkip {
		result.Draft = strings.TrimSpace(evaluation.CoverLetter)
	}
	return result
}

// decide 按阈值把归一化分数映射为终态判定
func (o *Orchestrator) decide(score float64) types.Decision {
	switch {
	case score >= o.cfg.ApplyThreshold:
		return types.DecisionApply
	case score <= o.cfg.SkipThreshold:
		return types.DecisionSkip
	default:
		return types.DecisionReview
	}
}

// persist 把终态结果与outbox事件同事务落库，并回填缓存
func (o *Orchestrator) persist(ctx context.Context, result *types.MatchResult) (*types.MatchResult, error) {
	outbox, err := o.buildOutboxMessage(result)
	if err != nil {
		return nil, newStageError(ErrPersistenceFailed, "persistence", result.VacancyID, result.ResumeVersionID, err)
	}

	stored, err := o.meta.SaveMatchResultWithOutbox(ctx, result, outbox)
	if err != nil {
		return nil, newStageError(ErrPersistenceFailed, "persistence", result.VacancyID, result.ResumeVersionID, err)
	}

	if o.cache != nil {
		if err := o.cache.CacheMatchResult(ctx, stored, o.resultTTL); err != nil {
			o.logger.Warn().Err(err).Msg("缓存匹配结果失败")
		}
	}
	return stored, nil
}

// buildOutboxMessage 构造终态事件，未配置发布目标时返回nil
func (o *Orchestrator) buildOutboxMessage(result *types.MatchResult) (*models.OutboxMessage, error) {
	if o.eventsExchange == "" {
		return nil, nil
	}
	payload, err := json.Marshal(MatchDecidedEvent{
		VacancyID:       result.VacancyID,
		ResumeVersionID: result.ResumeVersionID,
		FitScore:        result.FitScore,
		Decision:        string(result.Decision),
		DecidedAt:       result.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化终态事件失败: %w", err)
	}
	return &models.OutboxMessage{
		AggregateID:      result.VacancyID,
		EventType:        EventTypeMatchDecided,
		Payload:          string(payload),
		TargetExchange:   o.eventsExchange,
		TargetRoutingKey: o.decidedRouting,
		Status:           "PENDING",
	}, nil
}

// resolveActiveVersion 解析当前活跃版本：进程内指针→缓存→数据库
func (o *Orchestrator) resolveActiveVersion(ctx context.Context) (string, error) {
	if versionID := o.active.Load(); versionID != "" {
		return versionID, nil
	}
	if err := o.active.Hydrate(ctx, o.cache, o.meta); err != nil {
		return "", fmt.Errorf("恢复活跃版本失败: %w", err)
	}
	if versionID := o.active.Load(); versionID != "" {
		return versionID, nil
	}
	return "", ErrNoActiveResume
}

// lookupExistingResult 幂等读：结果缓存→数据库
func (o *Orchestrator) lookupExistingResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, bool) {
	if o.cache != nil {
		if result, err := o.cache.GetCachedMatchResult(ctx, vacancyID, versionID); err == nil && result != nil {
			return result, true
		}
	}
	result, err := o.meta.GetMatchResult(ctx, vacancyID, versionID)
	if err != nil || result == nil {
		return nil, false
	}
	if o.cache != nil {
		_ = o.cache.CacheMatchResult(ctx, result, o.resultTTL)
	}
	return result, true
}

// finishRun 运行记录是观测数据，写失败只记日志
// markRunState 推进运行记录的中间状态，失败只记日志不影响主流程
func (o *Orchestrator) markRunState(ctx context.Context, runID uint64, state types.PipelineState) {
	if runID == 0 {
		return
	}
	if err := o.meta.UpdatePipelineRunState(ctx, runID, string(state)); err != nil {
		o.logger.Warn().Err(err).Uint64("run_id", runID).Str("state", string(state)).Msg("更新运行状态失败")
	}
}

func (o *Orchestrator) finishRun(runID uint64, state, stage, errMsg string) {
	if runID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.meta.FinishPipelineRun(ctx, runID, state, stage, errMsg); err != nil {
		o.logger.Warn().Err(err).Uint64("run_id", runID).Msg("更新运行记录失败")
	}
}

// ConsumeVacancyMessage 消息队列消费入口。
// 返回true表示Ack；不可重试的失败（含幂等命中之外的业务错误）也Ack以避免毒消息循环。
func (o *Orchestrator) ConsumeVacancyMessage(payload []byte) bool {
	var vacancy types.VacancyQuery
	if err := json.Unmarshal(payload, &vacancy); err != nil {
		o.logger.Error().Err(err).Msg("职位消息解析失败，丢弃")
		return true
	}

	timeout := 5 * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := o.EvaluateVacancy(ctx, &vacancy)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrInvalidVacancyQuery) || errors.Is(err, ErrNoActiveResume) {
		o.logger.Error().Err(err).Str("vacancy_id", vacancy.VacancyID).Msg("职位评估无法处理，丢弃")
		return true
	}
	o.logger.Error().Err(err).Str("vacancy_id", vacancy.VacancyID).Msg("职位评估失败，重新入队")
	return false
}

func validateVacancy(vacancy *types.VacancyQuery) error {
	if vacancy == nil {
		return &PipelineError{Stage: "validate", BaseErr: ErrInvalidVacancyQuery, Detail: "空请求"}
	}
	if strings.TrimSpace(vacancy.VacancyID) == "" {
		return &PipelineError{Stage: "validate", BaseErr: ErrInvalidVacancyQuery, Detail: "vacancy_id不能为空"}
	}
	if strings.TrimSpace(vacancy.Description) == "" {
		return &PipelineError{VacancyID: vacancy.VacancyID, Stage: "validate", BaseErr: ErrInvalidVacancyQuery, Detail: "职位描述不能为空"}
	}
	return nil
}
