package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/storage/models"
	"job-agent-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("job-agent-go/storage/mysql")

// ErrMatchResultNotFound 匹配结果不存在
var ErrMatchResultNotFound = errors.New("匹配结果不存在")

type gormSpanKey struct{}

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer   trace.Tracer
	dbName   string
	dbSystem string
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}
	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		newCtx, span := p.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)

		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// ErrRecordNotFound 是业务查询的正常分支，不算错误
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:   mysqlTracer,
		dbName:   dbName,
		dbSystem: "mysql",
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	m := &MySQL{db: db, cfg: cfg}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if cfg.AutoMigrate {
		if err := m.autoMigrateSchema(); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
		}
	}
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	return silentDB.AutoMigrate(
		&models.ResumeVersion{},
		&models.ResumeChunk{},
		&models.MatchResult{},
		&models.PipelineRun{},
		&models.OutboxMessage{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateResumeVersion 插入新的简历版本记录（初始 is_active=false）
func (m *MySQL) CreateResumeVersion(ctx context.Context, version *models.ResumeVersion) error {
	return m.db.WithContext(ctx).Create(version).Error
}

// SaveResumeChunks 保存版本的分块文本（在事务中执行）
func (m *MySQL) SaveResumeChunks(tx *gorm.DB, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	records := make([]models.ResumeChunk, len(chunks))
	for i, c := range chunks {
		records[i] = models.ResumeChunk{
			ChunkID:     c.ChunkID,
			VersionID:   c.VersionID,
			DocumentID:  c.DocumentID,
			Position:    c.Position,
			ChunkText:   c.Text,
			CharLen:     c.CharLen,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			PageStart:   c.PageStart,
			PageEnd:     c.PageEnd,
		}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chunk_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chunk_id"}),
	}).Create(&records).Error
}

// SaveChunks 在独立事务中保存版本分块
func (m *MySQL) SaveChunks(ctx context.Context, chunks []types.Chunk) error {
	return m.SaveResumeChunks(m.db.WithContext(ctx), chunks)
}

// ActivateResumeVersion 激活一个版本：同一文档的旧激活置为false，
// 新版本置true并记录索引完成时间。在事务中保证任一时刻至多一个激活版本。
func (m *MySQL) ActivateResumeVersion(ctx context.Context, documentID, versionID string) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.ActivateResumeVersion",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("resume.document_id", documentID),
		attribute.String("resume.version_id", versionID),
	)

	now := time.Now()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ResumeVersion{}).
			Where("document_id = ? AND is_active = ?", documentID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&models.ResumeVersion{}).
			Where("version_id = ?", versionID).
			Updates(map[string]interface{}{"is_active": true, "indexed_at": &now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("版本不存在: %s", versionID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetActiveResumeVersion 返回当前激活版本，没有则返回(nil, nil)
func (m *MySQL) GetActiveResumeVersion(ctx context.Context) (*models.ResumeVersion, error) {
	var version models.ResumeVersion
	err := m.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("indexed_at DESC").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// FindVersionByContentMD5 按内容MD5查找已有版本，用于重复摄取短路
func (m *MySQL) FindVersionByContentMD5(ctx context.Context, md5sum string) (*models.ResumeVersion, error) {
	var version models.ResumeVersion
	err := m.db.WithContext(ctx).
		Where("content_md5 = ?", md5sum).
		Order("created_at DESC").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// GetResumeVersion 按版本ID查询
func (m *MySQL) GetResumeVersion(ctx context.Context, versionID string) (*models.ResumeVersion, error) {
	var version models.ResumeVersion
	err := m.db.WithContext(ctx).Where("version_id = ?", versionID).First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// GetMatchResult 按幂等键(vacancy_id, resume_version_id)查询已完成的匹配结果
func (m *MySQL) GetMatchResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, error) {
	var record models.MatchResult
	err := m.db.WithContext(ctx).
		Where("vacancy_id = ? AND resume_version_id = ?", vacancyID, versionID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMatchResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return matchRecordToResult(&record)
}

// ListMatchResultsByVacancy 按职位查询全部匹配结果（按时间倒序）
func (m *MySQL) ListMatchResultsByVacancy(ctx context.Context, vacancyID string) ([]*types.MatchResult, error) {
	var records []models.MatchResult
	err := m.db.WithContext(ctx).
		Where("vacancy_id = ?", vacancyID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	results := make([]*types.MatchResult, 0, len(records))
	for i := range records {
		r, err := matchRecordToResult(&records[i])
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// SaveMatchResultWithOutbox 在一个事务中写入匹配结果和待发布事件。
// 命中唯一键冲突（并发重复评估）时放弃本次写入并返回已存在的结果。
func (m *MySQL) SaveMatchResultWithOutbox(ctx context.Context, result *types.MatchResult, outbox *models.OutboxMessage) (*types.MatchResult, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.SaveMatchResultWithOutbox",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("vacancy.id", result.VacancyID),
		attribute.String("resume.version_id", result.ResumeVersionID),
	)

	record, err := matchResultToRecord(result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vacancy_id"}, {Name: "resume_version_id"}},
			DoNothing: true,
		}).Create(record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 并发写入者已经落库，本次不再追加outbox事件
			return nil
		}
		if outbox != nil {
			if err := tx.Create(outbox).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stored, err := m.GetMatchResult(ctx, result.VacancyID, result.ResumeVersionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return stored, nil
}

// CreatePipelineRun 记录一次评估运行的开始
func (m *MySQL) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return m.db.WithContext(ctx).Create(run).Error
}

// UpdatePipelineRunState 推进运行记录的中间状态（retrieving、matching）
func (m *MySQL) UpdatePipelineRunState(ctx context.Context, runID uint64, state string) error {
	return m.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("run_id = ?", runID).
		Update("state", state).Error
}

// FinishPipelineRun 记录运行的终态与失败信息
func (m *MySQL) FinishPipelineRun(ctx context.Context, runID uint64, state, failureStage, errMsg string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.PipelineRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"state":         state,
			"failure_stage": failureStage,
			"error_message": errMsg,
			"finished_at":   &now,
		}).Error
}

// FetchPendingOutboxMessages 抓取一批待发布的outbox消息（按创建时间升序）
func (m *MySQL) FetchPendingOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var messages []models.OutboxMessage
	err := m.db.WithContext(ctx).
		Where("status = ?", "PENDING").
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkOutboxMessageProcessed 标记消息已发布
func (m *MySQL) MarkOutboxMessageProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": "PROCESSED", "processed_at": &now}).Error
}

// MarkOutboxMessageFailed 记录发布失败并累加重试计数
func (m *MySQL) MarkOutboxMessageFailed(ctx context.Context, id uint64, errMsg string, maxRetries int) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.OutboxMessage
		if err := tx.Where("id = ?", id).First(&msg).Error; err != nil {
			return err
		}
		status := "PENDING"
		if msg.RetryCount+1 >= maxRetries {
			status = "FAILED"
		}
		return tx.Model(&models.OutboxMessage{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":        status,
				"retry_count":   msg.RetryCount + 1,
				"error_message": errMsg,
			}).Error
	})
}

func matchResultToRecord(result *types.MatchResult) (*models.MatchResult, error) {
	highlights, err := models.StringSliceToJSON(result.Highlights)
	if err != nil {
		return nil, fmt.Errorf("序列化匹配亮点失败: %w", err)
	}
	gaps, err := models.StringSliceToJSON(result.Gaps)
	if err != nil {
		return nil, fmt.Errorf("序列化差距项失败: %w", err)
	}
	chunkIDs, err := models.StringSliceToJSON(result.RetrievedChunkIDs)
	if err != nil {
		return nil, fmt.Errorf("序列化检索分块ID失败: %w", err)
	}
	return &models.MatchResult{
		VacancyID:             result.VacancyID,
		ResumeVersionID:       result.ResumeVersionID,
		FitScore:              result.FitScore,
		Decision:              string(result.Decision),
		CoverLetterDraft:      result.Draft,
		MatchHighlightsJSON:   highlights,
		PotentialGapsJSON:     gaps,
		RetrievedChunkIDsJSON: chunkIDs,
		CreatedAt:             result.CreatedAt,
	}, nil
}

func matchRecordToResult(record *models.MatchResult) (*types.MatchResult, error) {
	highlights, err := models.JSONToStringSlice(record.MatchHighlightsJSON)
	if err != nil {
		return nil, fmt.Errorf("解析匹配亮点失败: %w", err)
	}
	gaps, err := models.JSONToStringSlice(record.PotentialGapsJSON)
	if err != nil {
		return nil, fmt.Errorf("解析差距项失败: %w", err)
	}
	chunkIDs, err := models.JSONToStringSlice(record.RetrievedChunkIDsJSON)
	if err != nil {
		return nil, fmt.Errorf("解析检索分块ID失败: %w", err)
	}
	return &types.MatchResult{
		VacancyID:         record.VacancyID,
		ResumeVersionID:   record.ResumeVersionID,
		RetrievedChunkIDs: chunkIDs,
		FitScore:          record.FitScore,
		Draft:             record.CoverLetterDraft,
		Highlights:        highlights,
		Gaps:              gaps,
		Decision:          types.Decision(record.Decision),
		CreatedAt:         record.CreatedAt,
	}, nil
}
