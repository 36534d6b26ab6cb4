package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nookplot-core/internal/action"
	"nookplot-core/internal/config"
	"nookplot-core/internal/credit"
	"nookplot-core/internal/decision"
	"nookplot-core/internal/llm"
	"nookplot-core/internal/llm/openai"
	"nookplot-core/internal/observability/metrics"
	"nookplot-core/internal/ratelimit"
	"nookplot-core/internal/relay"
	"nookplot-core/internal/storage/mysql"
	"nookplot-core/internal/web3/provider"
	"nookplot-core/pkg/logger"
)

// main 是 nookplotd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("nookplotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("NOOKPLOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "nookplot.json")
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
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSizeMB,
			MaxBackups: cfg.Logging.AuditMaxBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 装配存储层。内存驱动用于开发，生产走 MySQL。
	var (
		actionStore action.Store
		execLog     action.ExecutionLog
		ledger      credit.Ledger
		relayStore  relay.Store
		scanLog     decision.ScanLog
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		actionStore = action.NewMemoryStore()
		execLog = action.NewMemoryExecutionLog()
		ledger = credit.NewMemoryLedger(0)
		relayStore = relay.NewMemoryStore()
		scanLog = decision.NewMemoryScanLog()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := mysql.NewMigrator(db).Run(ctx); err != nil {
			return err
		}
		if actionStore, err = action.NewMySQLStore(db); err != nil {
			return err
		}
		if execLog, err = action.NewMySQLExecutionLog(db); err != nil {
			return err
		}
		if ledger, err = credit.NewMySQLLedger(db, 0); err != nil {
			return err
		}
		if relayStore, err = relay.NewMySQLStore(db); err != nil {
			return err
		}
		if scanLog, err = decision.NewMySQLScanLog(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer actionStore.Close()
	defer execLog.Close()
	defer ledger.Close()
	defer relayStore.Close()
	defer scanLog.Close()

	// 唤醒队列只负责降低调度延迟，互斥性由存储层裁决。
	var wakeup action.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		wakeup = action.NewMemoryQueue(1024)
	case "redis":
		wakeup, err = action.NewRedisQueue(action.RedisQueueConfig{
			Address:  cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		wakeup, err = action.NewRabbitMQQueue(action.RabbitMQConfig{
			URL: cfg.Queue.RabbitURL,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer wakeup.Close()

	// 工具注册表与机会类型映射。
	registry := action.NewStaticRegistry()
	for _, tool := range cfg.Tools {
		registry.RegisterTool(action.ToolPolicy{
			Name:     tool.Name,
			BaseCost: tool.BaseCost,
			Limit: action.RateLimit{
				MaxPerHour: tool.MaxPerHour,
				MaxPerDay:  tool.MaxPerDay,
			},
			Supervised: tool.Supervised,
			Restricted: tool.Restricted,
		})
		if tool.Opportunity != "" {
			registry.MapOpportunity(tool.Opportunity, tool.Name)
		}
	}

	actionService := action.NewService(actionStore, wakeup)

	// 决策引擎。模型层打分按配置启用。
	engineOpts := []decision.EngineOption{
		decision.WithScanLog(scanLog),
		decision.WithCycleBudget(cfg.Decision.CycleBudget),
	}
	if llmClient, err := createLLMClient(cfg); err != nil {
		return err
	} else if llmClient != nil {
		scoringWindow := ratelimit.NewSlidingWindow(cfg.LLM.ScoringPerMinute, time.Minute)
		engineOpts = append(engineOpts, decision.WithLLMScoring(
			llmClient,
			scoringWindow,
			cfg.LLM.ReserveCredits,
			time.Duration(cfg.LLM.TimeoutSeconds)*time.Second,
		))
	}
	engine := decision.NewEngine(registry, ledger, actionService, engineOpts...)

	// 中继守卫。链客户端可选：未配置链时身份层级不可达，最高 tier 2。
	relayCfg, err := relay.LoadConfig(cfg.Relay.TierConfig)
	if err != nil {
		return err
	}
	guardOpts := []relay.GuardOption{}
	if cfg.Web3.ChainConfig != "" || strings.TrimSpace(cfg.Web3.RPCURL) != "" {
		chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chainRegistry.Close()
		chainClient, err := chainRegistry.DefaultClient()
		if err != nil {
			return err
		}
		guardOpts = append(guardOpts, relay.WithIdentityReader(chainClient))
	}
	guard := relay.NewGuard(relayCfg, relayStore, ledger, guardOpts...)
	if err := guard.InitCircuitBreaker(ctx); err != nil {
		return err
	}

	// 动作执行器。
	executor := action.NewExecutor(actionStore, execLog, ledger, registry, engine.ApprovalPolicy(),
		action.WithBatchSize(cfg.Executor.BatchSize),
		action.WithTick(time.Duration(cfg.Executor.TickSeconds)*time.Second),
		action.WithStaleThresholds(
			time.Duration(cfg.Executor.StaleExecutingMinutes)*time.Minute,
			time.Duration(cfg.Executor.StaleApprovedHours)*time.Hour,
		),
		action.WithWakeupConsumer(wakeup),
	)

	executorCtx, executorCancel := context.WithCancel(ctx)
	defer executorCancel()
	go func() {
		if err := executor.Run(executorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("动作执行器异常退出: %v", err)
		}
	}()

	if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("NOOKPLOT_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 NOOKPLOT_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
