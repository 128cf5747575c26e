package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/parser"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"
	"job-agent-go/pkg/retry"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 测试用模拟器 ---

type mockMeta struct {
	mu sync.Mutex

	activeVersion *models.ResumeVersion
	versionsByMD5 map[string]*models.ResumeVersion

	createdVersions []*models.ResumeVersion
	savedChunks     []types.Chunk
	activations     []string
	opOrder         []string

	results     map[string]*types.MatchResult
	outboxes    []*models.OutboxMessage
	saveCalls   int
	runs        []*models.PipelineRun
	runStates   map[uint64][]string  // runID -> 中间状态序列
	finished    map[uint64][3]string // runID -> state, stage, errMsg
	nextRunID   uint64
	activateErr error
	saveErr     error
}

func newMockMeta() *mockMeta {
	return &mockMeta{
		versionsByMD5: map[string]*models.ResumeVersion{},
		results:       map[string]*types.MatchResult{},
		runStates:     map[uint64][]string{},
		finished:      map[uint64][3]string{},
	}
}

func resultKey(vacancyID, versionID string) string {
	return vacancyID + "|" + versionID
}

func (m *mockMeta) CreateResumeVersion(ctx context.Context, version *models.ResumeVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdVersions = append(m.createdVersions, version)
	m.opOrder = append(m.opOrder, "create_version")
	return nil
}

func (m *mockMeta) SaveChunks(ctx context.Context, chunks []types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedChunks = append(m.savedChunks, chunks...)
	m.opOrder = append(m.opOrder, "save_chunks")
	return nil
}

func (m *mockMeta) ActivateResumeVersion(ctx context.Context, documentID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activateErr != nil {
		return m.activateErr
	}
	m.activations = append(m.activations, versionID)
	m.opOrder = append(m.opOrder, "activate")
	now := time.Now()
	m.activeVersion = &models.ResumeVersion{
		VersionID:  versionID,
		DocumentID: documentID,
		IsActive:   true,
		IndexedAt:  &now,
	}
	return nil
}

func (m *mockMeta) GetActiveResumeVersion(ctx context.Context) (*models.ResumeVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVersion, nil
}

func (m *mockMeta) FindVersionByContentMD5(ctx context.Context, md5sum string) (*models.ResumeVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionsByMD5[md5sum], nil
}

func (m *mockMeta) GetMatchResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[resultKey(vacancyID, versionID)]; ok {
		return r, nil
	}
	return nil, nil
}

func (m *mockMeta) SaveMatchResultWithOutbox(ctx context.Context, result *types.MatchResult, outbox *models.OutboxMessage) (*types.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	m.saveCalls++
	key := resultKey(result.VacancyID, result.ResumeVersionID)
	if existing, ok := m.results[key]; ok {
		// 唯一索引冲突时返回已落库的结果，不重复写outbox
		return existing, nil
	}
	m.results[key] = result
	if outbox != nil {
		m.outboxes = append(m.outboxes, outbox)
	}
	return result, nil
}

func (m *mockMeta) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run.RunID = m.nextRunID
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockMeta) UpdatePipelineRunState(ctx context.Context, runID uint64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runStates[runID] = append(m.runStates[runID], state)
	return nil
}

func (m *mockMeta) FinishPipelineRun(ctx context.Context, runID uint64, state, failureStage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[runID] = [3]string{state, failureStage, errMsg}
	return nil
}

var _ MetadataStore = (*mockMeta)(nil)

type mockEmbedder struct {
	dim       int
	err       error
	callCount int
}

func (m *mockEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		v := make([]float64, m.dim)
		v[0] = float64(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

type mockVectors struct {
	mu sync.Mutex

	searchResults []types.RetrievedChunk
	searchErr     error
	upsertErr     error

	upserted       []types.Chunk
	deletedVersion []string
	opOrder        *[]string // 与mockMeta共享的调用顺序记录，可为nil
}

func (m *mockVectors) record(op string) {
	if m.opOrder != nil {
		*m.opOrder = append(*m.opOrder, op)
	}
}

func (m *mockVectors) UpsertChunks(ctx context.Context, chunks []types.Chunk) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserted = append(m.upserted, chunks...)
	m.record("upsert")
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	return ids, nil
}

func (m *mockVectors) SearchChunks(ctx context.Context, queryVector []float64, topK int, versionID string) ([]types.RetrievedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.searchResults, nil
}

func (m *mockVectors) DeleteVersionPoints(ctx context.Context, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedVersion = append(m.deletedVersion, versionID)
	m.record("delete:" + versionID)
	return nil
}

var _ VectorIndex = (*mockVectors)(nil)

type mockEvaluator struct {
	evaluation *parser.MatchEvaluation
	err        error
	callCount  int
}

func (m *mockEvaluator) Evaluate(ctx context.Context, vacancy *types.VacancyQuery, retrieved []types.RetrievedChunk) (*parser.MatchEvaluation, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	return m.evaluation, nil
}

// --- 编排器测试 ---

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		RetrievalTopK:      4,
		ApplyThreshold:     0.7,
		SkipThreshold:      0.4,
		MaxAttempts:        2,
		RetryBackoffBaseMS: 1,
		Concurrency:        2,
	}
}

func testVacancy() *types.VacancyQuery {
	return &types.VacancyQuery{
		VacancyID:   "vac-1",
		Title:       "后端开发工程师",
		Description: "负责订单系统的开发与维护，要求熟悉Go和MySQL。",
	}
}

func testRetrieved() []types.RetrievedChunk {
	return []types.RetrievedChunk{
		{Chunk: types.Chunk{ChunkID: "ver-1-0000", Text: "三年Go后端开发经验", Position: 0}, Similarity: 0.92},
		{Chunk: types.Chunk{ChunkID: "ver-1-0001", Text: "负责订单系统", Position: 1}, Similarity: 0.81},
	}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	meta         *mockMeta
	vectors      *mockVectors
	evaluator    *mockEvaluator
	active       *ActiveVersionCell
}

func newOrchestratorFixture(t *testing.T, score int) *orchestratorFixture {
	t.Helper()

	meta := newMockMeta()
	vectors := &mockVectors{searchResults: testRetrieved()}
	evaluator := &mockEvaluator{evaluation: &parser.MatchEvaluation{
		MatchScore:      score,
		CoverLetter:     "您好，我对这个职位很感兴趣。",
		MatchHighlights: []string{"Go经验匹配"},
		PotentialGaps:   []string{"缺少K8s经验"},
	}}

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Retryable: parser.IsTransient}
	retriever, err := NewRetriever(&mockEmbedder{dim: 4}, vectors, 4, policy, zerolog.Nop())
	require.NoError(t, err)

	active := NewActiveVersionCell()
	active.Store("ver-1")

	orch, err := NewOrchestrator(meta, nil, retriever, evaluator, active, testPipelineConfig(),
		WithDecidedEventTarget("match_events", "match.decided"))
	require.NoError(t, err)

	return &orchestratorFixture{orchestrator: orch, meta: meta, vectors: vectors, evaluator: evaluator, active: active}
}

// TestEvaluateVacancyApply 高分职位判定为apply并保留求职信草稿
func TestEvaluateVacancyApply(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	result, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	assert.Equal(t, types.DecisionApply, result.Decision)
	assert.InDelta(t, 0.85, result.FitScore, 1e-9)
	assert.NotEmpty(t, result.Draft)
	assert.Equal(t, []string{"ver-1-0000", "ver-1-0001"}, result.RetrievedChunkIDs)

	// outbox事件与结果同"事务"写入
	require.Len(t, f.meta.outboxes, 1)
	outbox := f.meta.outboxes[0]
	assert.Equal(t, EventTypeMatchDecided, outbox.EventType)
	assert.Equal(t, "match_events", outbox.TargetExchange)
	assert.Equal(t, "match.decided", outbox.TargetRoutingKey)

	var event MatchDecidedEvent
	require.NoError(t, json.Unmarshal([]byte(outbox.Payload), &event))
	assert.Equal(t, "vac-1", event.VacancyID)
	assert.Equal(t, "apply", event.Decision)

	// 运行记录终态为decided
	require.Len(t, f.meta.runs, 1)
	assert.Equal(t, "decided", f.meta.finished[f.meta.runs[0].RunID][0])
}

// TestEvaluateVacancySkip 低分职位判定为skip并清空草稿
func TestEvaluateVacancySkip(t *testing.T) {
	f := newOrchestratorFixture(t, 20)

	result, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	assert.Equal(t, types.DecisionSkip, result.Decision)
	assert.Empty(t, result.Draft)
}

// TestEvaluateVacancyThresholdBoundaries 阈值边界：等于apply阈值投递，等于skip阈值跳过，
// 严格落在两者之间才复核
func TestEvaluateVacancyThresholdBoundaries(t *testing.T) {
	f := newOrchestratorFixture(t, 70) // 0.70 == apply_threshold
	result, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApply, result.Decision)

	f = newOrchestratorFixture(t, 40) // 0.40 == skip_threshold
	result, err = f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionSkip, result.Decision)

	f = newOrchestratorFixture(t, 41) // 刚好高于skip阈值
	result, err = f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReview, result.Decision)

	f = newOrchestratorFixture(t, 69) // 刚好低于apply阈值
	result, err = f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReview, result.Decision)
}

// TestEvaluateVacancyIdempotent 重复评估返回已有结果，不再调用LLM
func TestEvaluateVacancyIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	first, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	second, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.evaluator.callCount)
	assert.Equal(t, 1, f.meta.saveCalls)
	assert.Len(t, f.meta.outboxes, 1)
}

// TestEvaluateVacancyGenerationFailure 生成失败降级为review终态，草稿为空
func TestEvaluateVacancyGenerationFailure(t *testing.T) {
	f := newOrchestratorFixture(t, 0)
	f.evaluator.err = errors.New("模型输出无法解析")

	result, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	assert.Equal(t, types.DecisionReview, result.Decision)
	assert.Zero(t, result.FitScore)
	assert.Empty(t, result.Draft)
	// 检索到的上下文仍然记录，便于人工复核
	assert.Equal(t, []string{"ver-1-0000", "ver-1-0001"}, result.RetrievedChunkIDs)

	require.Len(t, f.meta.runs, 1)
	assert.Equal(t, "decided", f.meta.finished[f.meta.runs[0].RunID][0])
}

// TestEvaluateVacancyTransientGenerationRetry 瞬时错误按策略重试
func TestEvaluateVacancyTransientGenerationRetry(t *testing.T) {
	f := newOrchestratorFixture(t, 85)
	f.evaluator.err = &parser.BackendError{Service: "llm", StatusCode: 503, Message: "overloaded"}

	result, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	// MaxAttempts=2：两次都失败后降级为review
	assert.Equal(t, 2, f.evaluator.callCount)
	assert.Equal(t, types.DecisionReview, result.Decision)
}

// TestEvaluateVacancyRunStateTransitions 运行记录依次经过retrieving和matching中间状态；
// 检索阶段失败的运行停在retrieving
func TestEvaluateVacancyRunStateTransitions(t *testing.T) {
	f := newOrchestratorFixture(t, 85)
	_, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	require.Len(t, f.meta.runs, 1)
	runID := f.meta.runs[0].RunID
	assert.Equal(t, []string{"retrieving", "matching"}, f.meta.runStates[runID])
	assert.Equal(t, "decided", f.meta.finished[runID][0])

	f = newOrchestratorFixture(t, 85)
	f.vectors.searchErr = errors.New("向量库不可用")
	_, err = f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.Error(t, err)

	require.Len(t, f.meta.runs, 1)
	runID = f.meta.runs[0].RunID
	assert.Equal(t, []string{"retrieving"}, f.meta.runStates[runID])
	assert.Equal(t, "failed", f.meta.finished[runID][0])
}

// TestEvaluateVacancyRetrievalFailure 检索失败时整体失败，不写match_results
func TestEvaluateVacancyRetrievalFailure(t *testing.T) {
	f := newOrchestratorFixture(t, 85)
	f.vectors.searchErr = errors.New("向量库不可用")

	_, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalFailed)

	assert.Empty(t, f.meta.results)
	assert.Empty(t, f.meta.outboxes)

	require.Len(t, f.meta.runs, 1)
	finished := f.meta.finished[f.meta.runs[0].RunID]
	assert.Equal(t, "failed", finished[0])
	assert.Equal(t, "retrieval", finished[1])
}

// TestEvaluateVacancyEmbeddingFailure 嵌入失败记录embedding阶段
func TestEvaluateVacancyEmbeddingFailure(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	meta := f.meta
	retriever, err := NewRetriever(&mockEmbedder{dim: 4, err: errors.New("嵌入服务挂了")}, f.vectors, 4,
		retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Retryable: parser.IsTransient}, zerolog.Nop())
	require.NoError(t, err)

	orch, err := NewOrchestrator(meta, nil, retriever, f.evaluator, f.active, testPipelineConfig())
	require.NoError(t, err)

	_, err = orch.EvaluateVacancy(context.Background(), testVacancy())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Empty(t, meta.results)
}

// TestEvaluateVacancyNoActiveResume 没有活跃版本时明确报错
func TestEvaluateVacancyNoActiveResume(t *testing.T) {
	f := newOrchestratorFixture(t, 85)
	f.active.Store("")

	_, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	assert.ErrorIs(t, err, ErrNoActiveResume)
}

// TestEvaluateVacancyValidation 非法请求直接拒绝
func TestEvaluateVacancyValidation(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	_, err := f.orchestrator.EvaluateVacancy(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidVacancyQuery)

	_, err = f.orchestrator.EvaluateVacancy(context.Background(), &types.VacancyQuery{Description: "没有ID"})
	assert.ErrorIs(t, err, ErrInvalidVacancyQuery)

	_, err = f.orchestrator.EvaluateVacancy(context.Background(), &types.VacancyQuery{VacancyID: "vac-x"})
	assert.ErrorIs(t, err, ErrInvalidVacancyQuery)
}

// TestEvaluateVacancyVersionIsolation 新版本激活后结果挂在新版本键上
func TestEvaluateVacancyVersionIsolation(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	_, err := f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	// 摄取翻转了活跃版本，同一职位应重新评估
	f.active.Store("ver-2")
	_, err = f.orchestrator.EvaluateVacancy(context.Background(), testVacancy())
	require.NoError(t, err)

	assert.Equal(t, 2, f.evaluator.callCount)
	assert.Contains(t, f.meta.results, resultKey("vac-1", "ver-1"))
	assert.Contains(t, f.meta.results, resultKey("vac-1", "ver-2"))
}

// TestConsumeVacancyMessage 消费入口的Ack语义
func TestConsumeVacancyMessage(t *testing.T) {
	f := newOrchestratorFixture(t, 85)

	// 正常消息Ack
	payload, _ := json.Marshal(testVacancy())
	assert.True(t, f.orchestrator.ConsumeVacancyMessage(payload))

	// 非法JSON丢弃而不是无限重投
	assert.True(t, f.orchestrator.ConsumeVacancyMessage([]byte("not-json")))

	// 没有活跃简历时重投也无意义，Ack
	f.active.Store("")
	assert.True(t, f.orchestrator.ConsumeVacancyMessage(payload))

	// 基础设施失败Nack重投
	f.active.Store("ver-1")
	f.vectors.searchErr = errors.New("向量库不可用")
	other, _ := json.Marshal(&types.VacancyQuery{VacancyID: "vac-2", Description: "另一个职位"})
	assert.False(t, f.orchestrator.ConsumeVacancyMessage(other))
}

// TestHydrateFromMeta 启动时从数据库恢复活跃版本
func TestHydrateFromMeta(t *testing.T) {
	meta := newMockMeta()
	now := time.Now()
	meta.activeVersion = &models.ResumeVersion{VersionID: "ver-9", DocumentID: "doc-1", IsActive: true, IndexedAt: &now}

	cell := NewActiveVersionCell()
	require.NoError(t, cell.Hydrate(context.Background(), nil, meta))
	assert.Equal(t, "ver-9", cell.Load())
}

// TestFailureStageMapping 错误到运行失败阶段的映射
func TestFailureStageMapping(t *testing.T) {
	assert.Equal(t, "retrieval", FailureStage(newStageError(ErrRetrievalFailed, "retrieval", "v", "r", fmt.Errorf("x"))))
	assert.Equal(t, "embedding", FailureStage(ErrEmbeddingFailed))
	assert.Equal(t, "resolve_version", FailureStage(ErrNoActiveResume))
	assert.Equal(t, "unknown", FailureStage(errors.New("别的")))
}
