package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ResumeVersion 简历版本表。一份简历文档每次重新摄取产生一个新版本，
// is_active 表示检索当前使用的版本（任一时刻最多一行为true）。
type ResumeVersion struct {
	VersionID        string     `gorm:"type:char(36);primaryKey"`
	DocumentID       string     `gorm:"type:char(36);not null;index:idx_rv_document_id"`
	SourceURI        string     `gorm:"type:varchar(1024)"`
	OriginalFilename string     `gorm:"type:varchar(255)"`
	RawFilePathOSS   string     `gorm:"type:varchar(1024)"`
	ParsedTextPath   string     `gorm:"type:varchar(1024)"`
	ContentMD5       string     `gorm:"type:char(32);not null;index:idx_rv_content_md5"`
	ExtractionMethod string     `gorm:"type:varchar(20)"` // native / ocr / mixed
	PageCount        int        `gorm:"not null;default:0"`
	ChunkCount       int        `gorm:"not null;default:0"`
	IsActive         bool       `gorm:"not null;default:false;index:idx_rv_is_active"`
	IndexedAt        *time.Time `gorm:"type:datetime(6)"`
	CreatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (ResumeVersion) TableName() string {
	return "resume_versions"
}

// ResumeChunk 简历分块文本表，向量本体在Qdrant，这里只留文本与定位信息
type ResumeChunk struct {
	ChunkDBID   uint64    `gorm:"primaryKey;autoIncrement"`
	ChunkID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_rc_chunk_id"`
	VersionID   string    `gorm:"type:char(36);not null;index:idx_rc_version_id;uniqueIndex:idx_rc_version_position,priority:1"`
	DocumentID  string    `gorm:"type:char(36);not null;index:idx_rc_document_id"`
	Position    int       `gorm:"not null;uniqueIndex:idx_rc_version_position,priority:2"`
	ChunkText   string    `gorm:"type:text;not null"`
	CharLen     int       `gorm:"not null"`
	StartOffset int       `gorm:"not null"`
	EndOffset   int       `gorm:"not null"`
	PageStart   int       `gorm:"not null;default:0"`
	PageEnd     int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	ResumeVersion *ResumeVersion `gorm:"foreignKey:VersionID;references:VersionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (ResumeChunk) TableName() string {
	return "resume_chunks"
}

// MatchResult 职位-简历版本匹配结果表。
// (vacancy_id, resume_version_id) 唯一，是幂等的数据库兜底：
// 表里只存成功完成的评估，失败的运行记录在 pipeline_runs。
type MatchResult struct {
	MatchID               uint64         `gorm:"primaryKey;autoIncrement"`
	VacancyID             string         `gorm:"type:varchar(64);not null;index:idx_mr_vacancy_id;uniqueIndex:idx_mr_vacancy_version_unique,priority:1"`
	ResumeVersionID       string         `gorm:"type:char(36);not null;uniqueIndex:idx_mr_vacancy_version_unique,priority:2"`
	FitScore              float64        `gorm:"type:double;not null"`
	Decision              string         `gorm:"type:varchar(20);not null;index:idx_mr_decision"`
	CoverLetterDraft      string         `gorm:"type:text"`
	MatchHighlightsJSON   datatypes.JSON `gorm:"type:json"`
	PotentialGapsJSON     datatypes.JSON `gorm:"type:json"`
	RetrievedChunkIDsJSON datatypes.JSON `gorm:"type:json"`
	CreatedAt             time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	ResumeVersion *ResumeVersion `gorm:"foreignKey:ResumeVersionID;references:VersionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (MatchResult) TableName() string {
	return "match_results"
}

// PipelineRun 单次评估运行记录表，包含失败与取消的运行
type PipelineRun struct {
	RunID           uint64     `gorm:"primaryKey;autoIncrement"`
	VacancyID       string     `gorm:"type:varchar(64);not null;index:idx_pr_vacancy_version,priority:1"`
	ResumeVersionID string     `gorm:"type:char(36);not null;index:idx_pr_vacancy_version,priority:2"`
	State           string     `gorm:"type:varchar(20);not null;index:idx_pr_state"`
	FailureStage    string     `gorm:"type:varchar(30)"`
	ErrorMessage    string     `gorm:"type:text"`
	StartedAt       time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	FinishedAt      *time.Time `gorm:"type:datetime(6)"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// OutboxMessage 待异步发布的事件消息
type OutboxMessage struct {
	ID               uint64     `gorm:"primaryKey;autoIncrement"`
	AggregateID      string     `gorm:"type:varchar(64);not null;index"`
	EventType        string     `gorm:"type:varchar(255);not null"`
	Payload          string     `gorm:"type:json;not null"`
	TargetExchange   string     `gorm:"type:varchar(255);not null"`
	TargetRoutingKey string     `gorm:"type:varchar(255);not null"`
	Status           string     `gorm:"type:varchar(20);default:'PENDING';not null;index:idx_outbox_status_created_at"`
	RetryCount       int        `gorm:"default:0"`
	CreatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_outbox_status_created_at,sort:asc"`
	ProcessedAt      *time.Time `gorm:"type:datetime(6);null"`
	ErrorMessage     string     `gorm:"type:text"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// StringSliceToJSON 把字符串数组序列化为datatypes.JSON
func StringSliceToJSON(items []string) (datatypes.JSON, error) {
	if items == nil {
		items = []string{}
	}
	bytes, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToStringSlice 反序列化字符串数组，空值返回nil
func JSONToStringSlice(data datatypes.JSON) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
