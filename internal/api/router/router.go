package router

import (
	"context"
	"errors"

	"job-agent-go/internal/api/handler"
	"job-agent-go/internal/pipeline"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由。apiToken非空时对业务路由启用Bearer鉴权。
func RegisterRoutes(h *server.Hertz, pipelineHandler *handler.PipelineHandler, apiToken string) {
	// 健康检查不需要鉴权
	h.GET("/api/v1/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")
	if apiToken != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, token string) (bool, error) {
				return token == apiToken, nil
			}),
		))
	}

	api.POST("/resumes", func(c context.Context, ctx *app.RequestContext) {
		fileHeader, err := ctx.FormFile("file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
			return
		}
		defer file.Close()

		resp, err := pipelineHandler.HandleResumeUpload(c, file, fileHeader.Size, fileHeader.Filename)
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/vacancies/evaluate", func(c context.Context, ctx *app.RequestContext) {
		var req handler.VacancyEvaluateRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
			return
		}

		result, err := pipelineHandler.HandleVacancyEvaluate(c, &req)
		if err != nil {
			ctx.JSON(statusForError(err), utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, result)
	})

	api.GET("/vacancies/:vacancy_id/matches", func(c context.Context, ctx *app.RequestContext) {
		vacancyID := ctx.Param("vacancy_id")
		results, err := pipelineHandler.HandleListMatches(c, vacancyID)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, utils.H{"vacancy_id": vacancyID, "matches": results})
	})

	api.GET("/resumes/active", func(c context.Context, ctx *app.RequestContext) {
		resp, err := pipelineHandler.HandleGetActiveVersion(c)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		if resp == nil {
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "没有活跃的简历版本"})
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})
}

// statusForError 把流水线错误映射为HTTP状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidVacancyQuery):
		return consts.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoActiveResume):
		return consts.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return consts.StatusGatewayTimeout
	default:
		return consts.StatusInternalServerError
	}
}
