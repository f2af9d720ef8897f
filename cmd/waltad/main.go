package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Walta-Core/internal/api"
	"Walta-Core/internal/auth"
	"Walta-Core/internal/config"
	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/ledger/bridge"
	"Walta-Core/internal/ledger/evm"
	"Walta-Core/internal/negotiation"
	"Walta-Core/internal/observability/alerting"
	"Walta-Core/internal/reason"
	"Walta-Core/internal/reason/openai"
	"Walta-Core/internal/session"
	"Walta-Core/internal/trade"
	"Walta-Core/internal/wallet"
	"Walta-Core/pkg/logger"
)

// main 是 Walta 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("waltad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("WALTA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "walta.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 身份注册中心与验证缓存。
	var (
		registry identity.Registry
		minter   session.Minter
	)
	switch cfg.Identity.Registry.Provider {
	case "", "static":
		static := identity.NewStaticRegistry(time.Duration(cfg.Identity.Registry.ValidityHours) * time.Hour)
		registry = static
		minter = static
	case "http":
		remote, err := identity.NewHTTPRegistry(identity.HTTPRegistryConfig{
			BaseURL: cfg.Identity.Registry.BaseURL,
		})
		if err != nil {
			return err
		}
		registry = remote
	default:
		return fmt.Errorf("未知的注册中心 provider: %s", cfg.Identity.Registry.Provider)
	}

	var cache identity.Cache
	switch cfg.Identity.Cache.Driver {
	case "", "memory":
		cache = identity.NewMemoryCache()
	case "redis":
		redisCache, err := identity.NewRedisCache(identity.RedisCacheConfig{
			Address:  cfg.Identity.Cache.RedisAddr,
			Password: cfg.Identity.Cache.RedisPassword,
			DB:       cfg.Identity.Cache.RedisDB,
		})
		if err != nil {
			return err
		}
		cache = redisCache
	default:
		return fmt.Errorf("未知的身份缓存驱动: %s", cfg.Identity.Cache.Driver)
	}
	verifier := identity.NewVerifier(registry, cache,
		identity.WithCacheTTL(time.Duration(cfg.Identity.Cache.TTLSeconds)*time.Second),
	)

	// 托管账本与钱包网关。
	custody, err := createLedger(ctx, cfg)
	if err != nil {
		return err
	}
	gateway := wallet.NewGateway(custody,
		wallet.WithMaxAutoFund(ledger.Amount(cfg.Ledger.MaxAutoFundCents)),
	)

	// 交易存储。
	var store trade.Store
	switch cfg.Storage.TradeStore.Driver {
	case "", "memory":
		store = trade.NewMemoryStore()
	case "mysql":
		mysqlStore, err := trade.NewMySQLStore(cfg.Storage.TradeStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的交易存储驱动: %s", cfg.Storage.TradeStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	// 协商消息通道。
	var channel negotiation.Channel
	switch cfg.Negotiation.Channel {
	case "", "memory":
		channel = negotiation.NewMemoryChannel(256)
	case "rabbitmq":
		rabbit, err := negotiation.NewRabbitMQChannel(negotiation.RabbitMQConfig{
			URL:      cfg.Negotiation.RabbitMQ.URL,
			Prefetch: cfg.Negotiation.RabbitMQ.Prefetch,
			Durable:  cfg.Negotiation.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		channel = rabbit
	default:
		return fmt.Errorf("未知的协商通道驱动: %s", cfg.Negotiation.Channel)
	}
	defer func() {
		if channel != nil {
			_ = channel.Close()
		}
	}()

	manager, err := session.NewManager(session.ManagerConfig{
		Minter:   minter,
		Verifier: verifier,
		Gateway:  gateway,
		Channel:  channel,
		Store:    store,
		EngineOpts: []negotiation.EngineOption{
			negotiation.WithDecisionWindow(time.Duration(cfg.Negotiation.DecisionWindowSeconds) * time.Second),
			negotiation.WithDeciderTimeout(time.Duration(cfg.Negotiation.DeciderTimeoutSeconds) * time.Second),
		},
	},
		trade.WithMaxRetries(cfg.Settlement.MaxRetries),
		trade.WithBackoffBase(time.Duration(cfg.Settlement.BackoffBaseMS)*time.Millisecond),
		trade.WithAlertDispatcher(alerting.NewFanout()),
	)
	if err != nil {
		return err
	}

	deciders, err := createDeciderFactory(cfg)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, manager, store, authSvc, deciders)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createLedger 根据配置选择托管账本驱动。
func createLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "bridge":
		return bridge.NewClient(bridge.Config{
			APIKey:  cfg.Ledger.Bridge.APIKey,
			BaseURL: cfg.Ledger.Bridge.BaseURL,
			Timeout: time.Duration(cfg.Ledger.Bridge.TimeoutSeconds) * time.Second,
		})
	case "evm":
		defs, err := evm.LoadChainDefinitions(cfg.Ledger.EVM.ChainsPath)
		if err != nil {
			return nil, err
		}
		def, ok := defs.Chains[cfg.Ledger.EVM.Chain]
		if !ok {
			return nil, fmt.Errorf("链配置中不存在 %q", cfg.Ledger.EVM.Chain)
		}
		return evm.NewClient(ctx, evm.Config{
			Name:      cfg.Ledger.EVM.Chain,
			RPCURL:    def.RPCURL,
			ChainID:   def.ChainID,
			FaucetKey: def.FaucetKey,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// createDeciderFactory 根据配置构造决策器工厂。
func createDeciderFactory(cfg *config.Config) (api.DeciderFactory, error) {
	var base *reason.Profile
	if cfg.Reason.ProfilePath != "" {
		profile, err := reason.LoadProfile(cfg.Reason.ProfilePath)
		if err != nil {
			return nil, err
		}
		base = profile
	}

	switch cfg.Reason.Provider {
	case "", "scripted":
		return func(profile *reason.Profile, services []string) (reason.Decider, error) {
			if profile == nil {
				profile = base
			}
			return reason.NewScriptedDecider(profile, services...), nil
		}, nil
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.Reason.OpenAI.APIKey,
			BaseURL: cfg.Reason.OpenAI.BaseURL,
			Model:   cfg.Reason.OpenAI.Model,
			Timeout: time.Duration(cfg.Reason.OpenAI.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return func(*reason.Profile, []string) (reason.Decider, error) {
			return client, nil
		}, nil
	default:
		return nil, fmt.Errorf("未知的决策 provider: %s", cfg.Reason.Provider)
	}
}
