package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentResonance/internal/api"
	"AgentResonance/internal/config"
	"AgentResonance/internal/directory"
	"AgentResonance/internal/embedding"
	"AgentResonance/internal/events"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/llm/openai"
	"AgentResonance/internal/llm/pythonbridge"
	"AgentResonance/internal/negotiation"
	"AgentResonance/internal/observability/alerting"
	"AgentResonance/internal/profile"
	"AgentResonance/internal/runner"
	"AgentResonance/internal/storage"
	"AgentResonance/pkg/logger"
)

// main 是协商守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("resonanced 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	configPath := os.Getenv("RESONANCE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "resonance.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("resonanced")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	reasoner, err := createReasoner(cfg)
	if err != nil {
		return err
	}
	encoder, err := createEncoder(cfg)
	if err != nil {
		return err
	}

	dir := directory.New(encoder)
	if cfg.Directory.SeedFile != "" {
		n, err := dir.Sync(ctx, cfg.Directory.SeedFile)
		if err != nil {
			return err
		}
		log.Info("已加载 agent 目录", slog.String("path", cfg.Directory.SeedFile), slog.Int("agents", n))
		if cfg.Directory.Watch {
			go func() {
				if err := dir.Watch(ctx, cfg.Directory.SeedFile); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("目录监听退出", slog.Any("error", err))
				}
			}()
		}
	}

	source, err := createProfileSource(cfg, dir, reasoner)
	if err != nil {
		return err
	}

	bus, closeSinks, err := createBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	alerter := createAlerter(cfg)
	n := cfg.Negotiation
	driver := negotiation.NewDriver(source, embedding.NewService(encoder), reasoner, bus,
		negotiation.WithTimeouts(negotiation.Timeouts{
			Confirm:     n.ConfirmTimeout(),
			Formulation: n.FormulationTimeout(),
			Encode:      time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
			Offer:       n.OfferTimeout(),
			Barrier:     n.BarrierTimeout(),
			Synthesis:   n.SynthesisTimeout(),
			Session:     n.SessionTimeout(),
		}),
		negotiation.WithActivationPolicy(negotiation.ActivationPolicy{
			Ratio:    n.ActivationRatio,
			Min:      n.MinCandidates,
			Max:      n.MaxCandidates,
			MinScore: n.MinScore,
		}),
		negotiation.WithMaxCenterRounds(n.MaxCenterRounds),
		negotiation.WithGapRecursion(!n.DisableGapRecursion),
		negotiation.WithAlerter(alerter),
	)

	archive, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Storage.Archive.Driver,
		DSN:             cfg.Storage.Archive.DSN,
		Path:            cfg.Storage.Archive.Path,
		DataDir:         cfg.Runtime.DataDir,
		MaxOpenConns:    cfg.Storage.Archive.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.Archive.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.Archive.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.Archive.ConnMaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer archive.Close()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭协商队列失败", slog.Any("error", err))
		}
	}()

	serviceCtx, serviceCancel := context.WithCancel(ctx)
	service := negotiation.NewService(driver, dir, bus,
		negotiation.WithArchive(archive),
		negotiation.WithQueue(queue),
		negotiation.WithBaseContext(serviceCtx),
	)

	processor := runner.NewProcessor(service, queue,
		runner.WithWorkerCount(cfg.Queue.Worker),
		runner.WithProcessorLogger(logger.Named("runner")),
		runner.WithAlertDispatcher(alerter),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("协商处理器异常退出", slog.Any("error", err))
		}
	}()
	// 先等进行中的协商结束，再关闭队列、归档与事件 sink。
	defer func() {
		processorCancel()
		serviceCancel()
		<-processorDone
		service.Wait()
		log.Info("协商处理已停止")
	}()

	server := api.NewServer(cfg.Server.Address, service, dir,
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithReadHeaderTimeout(time.Duration(cfg.Server.ReadHeaderTimeoutSeconds)*time.Second),
		api.WithMetricsPath(cfg.Observability.MetricsPath),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createReasoner(cfg *config.Config) (llm.Reasoner, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createEncoder(cfg *config.Config) (embedding.Encoder, error) {
	e := cfg.Embedding
	timeout := time.Duration(e.TimeoutSeconds) * time.Second
	switch e.Provider {
	case "", "hash":
		return embedding.NewHashEncoder(e.Dimension), nil
	case "openai":
		return embedding.NewOpenAIEncoder(embedding.OpenAIConfig{
			APIKey:  e.OpenAI.ResolveAPIKey(),
			Model:   e.OpenAI.Model,
			BaseURL: e.OpenAI.BaseURL,
			Timeout: timeout,
		})
	case "ollama":
		return embedding.NewOllamaEncoder(embedding.OllamaConfig{
			BaseURL:   e.Ollama.BaseURL,
			Model:     e.Ollama.Model,
			Dimension: e.Dimension,
			Timeout:   timeout,
		}), nil
	default:
		return nil, fmt.Errorf("未知的向量 provider: %s", e.Provider)
	}
}

func createProfileSource(cfg *config.Config, dir *directory.Directory, reasoner llm.Reasoner) (profile.Source, error) {
	switch cfg.Profile.Provider {
	case "", "static":
		return profile.NewStaticSource(dir, reasoner), nil
	case "http":
		h := cfg.Profile.HTTP
		token := h.Token
		if token == "" && h.TokenEnv != "" {
			token = os.Getenv(h.TokenEnv)
		}
		return profile.NewHTTPSource(profile.HTTPConfig{
			BaseURL: h.BaseURL,
			Token:   token,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的画像 provider: %s", cfg.Profile.Provider)
	}
}

// createBus 构建事件总线，外部转发经 AsyncSink 异步投递，不阻塞协商。
func createBus(ctx context.Context, cfg *config.Config) (*events.Bus, func(), error) {
	bus := events.NewBus(
		events.WithHistorySize(cfg.Events.HistorySize),
		events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
		events.WithSink(events.NewLogSink()),
	)
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if r := cfg.Events.Redis; r.Enabled {
		sink, err := events.NewRedisSink(ctx, events.RedisSinkConfig{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		async := events.NewAsyncSink(sink, 1024, 5*time.Second)
		bus.AddSink(async)
		closers = append(closers, async.Close, sink.Close)
	}
	if nc := cfg.Events.NATS; nc.Enabled {
		sink, err := events.NewNATSSink(nc.URL, nc.SubjectPrefix)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		async := events.NewAsyncSink(sink, 1024, 5*time.Second)
		bus.AddSink(async)
		closers = append(closers, async.Close, sink.Close)
	}
	return bus, closeAll, nil
}

func createAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := cfg.Observability.AlertWebhookURL; url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.Observability.AlertTimeoutSecs)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func createQueue(cfg *config.Config) (runner.Queue, error) {
	q := cfg.Queue
	switch q.Driver {
	case "", "memory":
		return runner.NewMemoryQueue(q.Buffer), nil
	case "redis":
		return runner.NewRedisQueue(runner.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: time.Duration(q.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return runner.NewRabbitMQQueue(runner.RabbitMQConfig{
			URL:        q.RabbitMQ.URL,
			Queue:      q.RabbitMQ.Queue,
			Prefetch:   q.RabbitMQ.Prefetch,
			Durable:    q.RabbitMQ.Durable,
			AutoDelete: q.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}
