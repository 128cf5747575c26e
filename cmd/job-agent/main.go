package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-agent-go/internal/api/handler"
	"job-agent-go/internal/api/router"
	"job-agent-go/internal/config"
	applogger "job-agent-go/internal/logger"
	"job-agent-go/internal/outbox"
	"job-agent-go/internal/parser"
	"job-agent-go/internal/pipeline"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/tracing"
	"job-agent-go/pkg/ratelimit"
	"job-agent-go/pkg/retry"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		applogger.Fatal().Err(err).Msg("加载配置失败")
	}

	applogger.Init(cfg.Logger)
	glog.SetLogger(hertzadapter.From(applogger.Logger))
	log := applogger.Logger
	log.Info().Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = tracing.InitProvider(ctx, cfg.Tracing)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化链路追踪失败")
		}
		log.Info().Str("endpoint", cfg.Tracing.OTLPEndpoint).Msg("链路追踪已启用")
	}

	storageManager, err := storage.NewStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	if storageManager.MySQL == nil || storageManager.Qdrant == nil {
		log.Fatal().Msg("MySQL与Qdrant是必需组件，请检查配置")
	}
	log.Info().Msg("存储服务初始化成功")

	embedder, err := parser.NewOpenAIEmbedder(cfg.LLM.APIKey, cfg.LLM.Embedding,
		parser.WithEmbedderLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化嵌入客户端失败")
	}

	nativeParser, err := parser.NewEinoPDFParser(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化PDF解析器失败")
	}

	extractorOpts := []parser.ExtractorOption{parser.WithExtractorLogger(log)}
	if cfg.Tika.ServerURL != "" {
		ocrClient, err := parser.NewTikaOCRClient(cfg.Tika, parser.WithTikaLogger(log))
		if err != nil {
			log.Fatal().Err(err).Msg("初始化Tika OCR客户端失败")
		}
		extractorOpts = append(extractorOpts, parser.WithOCRParser(ocrClient))
		log.Info().Str("server", cfg.Tika.ServerURL).Msg("OCR回退已启用")
	} else {
		log.Warn().Msg("未配置Tika服务器，扫描件页面将无法提取")
	}
	extractor := parser.NewDocumentExtractor(nativeParser, cfg.Pipeline.MinCharsPerPage, extractorOpts...)

	chunker, err := parser.NewSlidingWindowChunker(parser.ChunkerConfig{
		ChunkSize:          cfg.Pipeline.ChunkSize,
		Overlap:            cfg.Pipeline.ChunkOverlap,
		ParagraphTolerance: cfg.Pipeline.ParagraphTolerance,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("初始化分块器失败")
	}

	var llmModel model.ToolCallingChatModel
	llmModel, err = parser.NewOpenAIChatModel(cfg.LLM, parser.WithChatLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化聊天模型失败")
	}
	if cfg.LLM.QPM > 0 {
		llmModel = ratelimit.NewRateLimitedChatModel(llmModel, cfg.LLM.QPM)
		log.Info().Int("qpm", cfg.LLM.QPM).Msg("LLM限流已启用")
	}

	evaluator, err := parser.NewLLMMatchEvaluator(llmModel, cfg.Pipeline.ContextTokenBudget,
		parser.WithEvaluatorLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化匹配评估器失败")
	}

	// Redis与MinIO是可选组件，缺失时不能把typed-nil塞进接口
	var cache pipeline.CacheStore
	if storageManager.Redis != nil {
		cache = storageManager.Redis
	}

	active := pipeline.NewActiveVersionCell()
	if err := active.Hydrate(ctx, cache, storageManager.MySQL); err != nil {
		log.Warn().Err(err).Msg("恢复活跃简历版本失败，等待首次摄取")
	} else if versionID := active.Load(); versionID != "" {
		log.Info().Str("version_id", versionID).Msg("活跃简历版本已恢复")
	}

	ingesterOpts := []pipeline.IngesterOption{pipeline.WithIngesterLogger(log)}
	if storageManager.MinIO != nil {
		ingesterOpts = append(ingesterOpts, pipeline.WithArchiver(storageManager.MinIO))
	}
	ingester, err := pipeline.NewIngester(extractor, chunker, embedder,
		storageManager.Qdrant, storageManager.MySQL, cache, active, cfg.Pipeline, ingesterOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化摄取服务失败")
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Pipeline.MaxAttempts
	policy.BaseDelay = time.Duration(cfg.Pipeline.RetryBackoffBaseMS) * time.Millisecond
	policy.Retryable = parser.IsTransient

	retriever, err := pipeline.NewRetriever(embedder, storageManager.Qdrant,
		cfg.Pipeline.RetrievalTopK, policy, log)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化检索器失败")
	}

	orchestrator, err := pipeline.NewOrchestrator(storageManager.MySQL, cache, retriever,
		evaluator, active, cfg.Pipeline,
		pipeline.WithOrchestratorLogger(log),
		pipeline.WithDecidedEventTarget(cfg.RabbitMQ.MatchEventsExchange, cfg.RabbitMQ.DecidedRoutingKey))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化评估编排器失败")
	}
	log.Info().Msg("流水线组件初始化成功")

	var messageRelay *outbox.MessageRelay
	var consumerStop chan<- struct{}
	if storageManager.RabbitMQ != nil {
		messageRelay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, log)
		messageRelay.Start()
		log.Info().Msg("消息中继服务已启动")

		if cfg.RabbitMQ.VacancyQueue != "" {
			consumerStop, err = storageManager.RabbitMQ.StartConsumer(
				cfg.RabbitMQ.VacancyQueue, cfg.RabbitMQ.PrefetchCount, orchestrator.ConsumeVacancyMessage)
			if err != nil {
				log.Fatal().Err(err).Msg("启动职位消费者失败")
			}
			log.Info().Str("queue", cfg.RabbitMQ.VacancyQueue).Msg("职位消费者已启动")
		}
	} else {
		log.Warn().Msg("未配置RabbitMQ，仅提供HTTP入口")
	}

	pipelineHandler := handler.NewPipelineHandler(cfg, storageManager, ingester, orchestrator, log)

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))

	router.RegisterRoutes(h, pipelineHandler, cfg.Server.APIToken)
	log.Info().Str("address", cfg.Server.Address).Msg("HTTP服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			log.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("接收到终止信号，正在优雅退出")

	if consumerStop != nil {
		close(consumerStop)
	}
	if messageRelay != nil {
		messageRelay.Stop()
		log.Info().Msg("消息中继服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("链路追踪关闭失败")
		}
	}
	log.Info().Msg("优雅退出完成")
}
