package pipeline

import (
	"errors"
	"fmt"
)

// 定义基础错误类型
var (
	ErrNoActiveResume      = errors.New("没有可用的活跃简历版本")
	ErrEmbeddingFailed     = errors.New("嵌入服务调用失败")
	ErrRetrievalFailed     = errors.New("向量检索失败")
	ErrGenerationFailed    = errors.New("匹配生成失败")
	ErrPersistenceFailed   = errors.New("结果持久化失败")
	ErrIngestFailed        = errors.New("简历摄取失败")
	ErrInvalidVacancyQuery = errors.New("职位查询不合法")
)

// PipelineError 包含阶段与业务键的自定义错误
type PipelineError struct {
	VacancyID string
	VersionID string
	Stage     string
	BaseErr   error
	Detail    string
}

func (e *PipelineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (阶段:%s, 职位:%s, 版本:%s): %s", e.BaseErr, e.Stage, e.VacancyID, e.VersionID, e.Detail)
	}
	return fmt.Sprintf("%s (阶段:%s, 职位:%s, 版本:%s)", e.BaseErr, e.Stage, e.VacancyID, e.VersionID)
}

func (e *PipelineError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *PipelineError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数
func newStageError(base error, stage, vacancyID, versionID string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &PipelineError{
		VacancyID: vacancyID,
		VersionID: versionID,
		Stage:     stage,
		BaseErr:   base,
		Detail:    detail,
	}
}

// FailureStage 返回错误对应的运行失败阶段，用于pipeline_runs记录
func FailureStage(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	switch {
	case errors.Is(err, ErrNoActiveResume):
		return "resolve_version"
	case errors.Is(err, ErrEmbeddingFailed):
		return "embedding"
	case errors.Is(err, ErrRetrievalFailed):
		return "retrieval"
	case errors.Is(err, ErrGenerationFailed):
		return "generation"
	case errors.Is(err, ErrPersistenceFailed):
		return "persistence"
	default:
		return "unknown"
	}
}
