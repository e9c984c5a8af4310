package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/api"
	"AgentTaskEscrow/internal/auth"
	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/clock"
	"AgentTaskEscrow/internal/config"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/events"
	"AgentTaskEscrow/internal/notify"
	"AgentTaskEscrow/internal/observability/alerting"
	"AgentTaskEscrow/internal/observability/metrics"
	"AgentTaskEscrow/internal/storage/mysql"
	"AgentTaskEscrow/internal/storage/sqlite"
	"AgentTaskEscrow/pkg/logger"
)

// main 是托管守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 "+config.EnvConfigPath)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("escrowd")

	params, policy, err := buildParams(cfg.Escrow)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	custody, err := openBank(ctx, params.Custody, cfg.Bank, store)
	if err != nil {
		_ = store.Close()
		return err
	}

	reg := metrics.Default()

	queue, err := events.Open(ctx, cfg.Events)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("初始化事件队列失败: %w", err)
	}
	if queue != nil {
		defer func() {
			if err := queue.Close(); err != nil {
				log.Warn("关闭事件队列失败", slog.Any("error", err))
			}
		}()
	}

	alerts := buildAlerts(cfg.Notify)
	opts := []escrow.Option{escrow.WithStore(store), escrow.WithStakePolicy(policy), escrow.WithAlerts(alerts)}
	// 内存队列没有消费者时不发布，否则缓冲区很快写满，之后的事件都会以 EVENT_QUEUE_FULL 丢弃。
	if queue != nil && (cfg.Notify.Enabled || cfg.Events.Driver != "memory") {
		publisher := events.NewQueuePublisher(queue)
		opts = append(opts, escrow.WithPublisher(escrow.PublisherFunc(func(ctx context.Context, event escrow.Event) error {
			err := publisher.Publish(ctx, event)
			reg.ObserveEvent(string(event.Type), err)
			return err
		})))
	}

	ledger, err := escrow.NewLedger(ctx, params, custody, opts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	if err := reg.RegisterTaskGauge(func() map[string]int {
		byStatus := ledger.Stats().ByStatus
		out := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			out[string(status)] = n
		}
		return out
	}); err != nil {
		return fmt.Errorf("注册任务指标失败: %w", err)
	}

	clk, closeClock, err := clock.Open(ctx, cfg.Clock)
	if err != nil {
		return fmt.Errorf("初始化时钟失败: %w", err)
	}
	defer closeClock()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	if cfg.Notify.Enabled {
		if queue == nil {
			log.Warn("事件队列已禁用，通知处理器不会启动")
		} else {
			processor := buildProcessor(queue, cfg.Notify, alerts, reg)
			go func() {
				if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("通知处理器异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	serverOpts := []api.Option{
		api.WithAddress(cfg.Server.Address),
		api.WithClock(clk),
		api.WithTimeouts(cfg.Server.ReadTimeout.Duration, cfg.Server.WriteTimeout.Duration, cfg.Server.ShutdownTimeout.Duration),
	}
	serverOpts = append(serverOpts, authOption(cfg.Server.Auth))
	if cfg.Metrics.Enabled {
		serverOpts = append(serverOpts, api.WithMetrics(reg, cfg.Metrics.Path))
	}
	server := api.NewServer(ledger, serverOpts...)

	log.Info("escrowd 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("clock", cfg.Clock.Source),
		slog.String("custody", params.Custody.Hex()),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// authOption 决定写接口是否校验请求签名。
func authOption(cfg config.AuthConfig) api.Option {
	if cfg.Disabled {
		return api.WithoutAuthentication()
	}
	return api.WithAuthenticator(auth.New(
		auth.WithMaxSkew(cfg.MaxSkew.Duration),
		auth.WithAuditLogger(logger.Audit()),
	))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildParams(cfg config.EscrowConfig) (escrow.Params, escrow.StakePolicy, error) {
	params := escrow.DefaultParams()
	params.CooldownDuration = cfg.CooldownDuration.Duration
	params.AgentResponseWindow = cfg.AgentResponseWindow.Duration
	params.DisputeBondBps = cfg.DisputeBondBps

	custody := strings.TrimSpace(cfg.CustodyAddress)
	if !common.IsHexAddress(custody) {
		return escrow.Params{}, nil, fmt.Errorf("escrow.custody_address 无效: %q", cfg.CustodyAddress)
	}
	params.Custody = common.HexToAddress(custody)

	if len(cfg.MinimumStake) == 0 {
		return params, escrow.AnyPositiveStake{}, nil
	}
	policy := escrow.MinimumStake{PerToken: make(map[common.Address]*big.Int)}
	for token, raw := range cfg.MinimumStake {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || amount.Sign() < 0 {
			return escrow.Params{}, nil, fmt.Errorf("minimum_stake[%s] 不是合法金额: %q", token, raw)
		}
		if token == "default" || token == "*" {
			policy.Default = amount
			continue
		}
		if !common.IsHexAddress(token) {
			return escrow.Params{}, nil, fmt.Errorf("minimum_stake 的代币地址无效: %q", token)
		}
		policy.PerToken[common.HexToAddress(token)] = amount
	}
	return params, policy, nil
}

// openBank 构造托管账本。存储支持余额持久化时优先恢复已保存的余额，
// 只有在存储中尚无任何余额时才按 bank.seed 注资并写回存储。
func openBank(ctx context.Context, custody common.Address, cfg config.BankConfig, store escrow.Store) (*bank.MemoryBank, error) {
	b := bank.NewMemoryBank(custody)
	ps, persistent := store.(escrow.PositionStore)
	if persistent {
		positions, err := ps.LoadPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("恢复账户余额失败: %w", err)
		}
		if len(positions) > 0 {
			b.Restore(positions)
			logger.Named("escrowd").Info("账户余额已从存储恢复，忽略 bank.seed", slog.Int("accounts", len(positions)))
			return b, nil
		}
	}

	for i, seed := range cfg.Seed {
		if !common.IsHexAddress(seed.Token) || !common.IsHexAddress(seed.Holder) {
			return nil, fmt.Errorf("bank.seed[%d] 地址无效", i)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(seed.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("bank.seed[%d] 金额无效: %q", i, seed.Amount)
		}
		token, holder := common.HexToAddress(seed.Token), common.HexToAddress(seed.Holder)
		b.Mint(token, holder, amount)
		if seed.Approve {
			b.Approve(token, holder, amount)
		}
	}
	if persistent && len(cfg.Seed) > 0 {
		if err := ps.SavePositions(ctx, b.Snapshot()); err != nil {
			return nil, fmt.Errorf("保存初始余额失败: %w", err)
		}
	}
	return b, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (escrow.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return escrow.NewMemoryStore(), nil
	case "mysql":
		store, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
			AutoMigrate:     cfg.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.NotifyConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.AlertWebhook != "" {
		client := notify.NewWebhookClient(cfg.Timeout.Duration)
		notifiers = append(notifiers, &alerting.WebhookNotifier{Poster: client, URL: cfg.AlertWebhook})
	}
	return alerting.NewFanout(notifiers...)
}

func buildProcessor(queue events.Consumer, cfg config.NotifyConfig, alerts alerting.Dispatcher, reg *metrics.Registry) *notify.Processor {
	notifiers := notify.Fanout{notify.LogNotifier{}}
	if len(cfg.Webhooks) > 0 {
		notifiers = append(notifiers, notify.NewWebhookNotifier(notify.NewWebhookClient(cfg.Timeout.Duration), cfg.Webhooks...))
	}

	return notify.NewProcessor(queue, notifiers,
		notify.WithWorkerCount(cfg.Workers),
		notify.WithAlertDispatcher(alerts),
		notify.WithMetrics(reg),
	)
}
