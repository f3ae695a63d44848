// Package app 负责按配置组装各个组件，供 agentpayd 与 agentpay 命令共用。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/knowledge"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/llm/openai"
	"AgentPay-Chain/internal/lock"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/queue"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/internal/storage/redis"
	"AgentPay-Chain/internal/storage/sqlite"
	"AgentPay-Chain/pkg/logger"
	"AgentPay-Chain/pkg/plugin"
)

// ConfigPath 返回配置文件路径，优先读取 AGENTPAY_CONFIG。
func ConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("AGENTPAY_CONFIG")); env != "" {
		return env
	}
	return "configs/agentpay.json"
}

// InitLogger 根据配置初始化全局日志。
func InitLogger(cfg config.LoggingConfig, service string) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Service:     service,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	})
}

// Ledger 是打开后的账本及其底层连接。DB 仅在 SQL 后端时非空。
type Ledger struct {
	ledger.Ledger
	DB *sql.DB
}

// OpenLedger 按 storage.driver 打开账本并执行迁移。
func OpenLedger(ctx context.Context, cfg config.StorageConfig) (*Ledger, error) {
	switch cfg.Driver {
	case "", "memory":
		return &Ledger{Ledger: ledger.NewMemoryStore()}, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 SQLite 账本失败")
		}
		store, err := ledger.NewSQLStore(db, ledger.DialectSQLite)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Ledger{Ledger: store, DB: db}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSec) * time.Second,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 账本失败")
		}
		store, err := ledger.NewSQLStore(db, ledger.DialectMySQL)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Ledger{Ledger: store, DB: db}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动 %q", cfg.Driver))
	}
}

// OpenQueue 按 queue.driver 创建分发队列。
func OpenQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	return queue.New(ctx, queue.Config{
		Driver: cfg.Driver,
		Size:   cfg.Size,
		Redis: queue.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		},
	})
}

// OpenLocker 按 lock.driver 创建主节点锁。返回的 io.Closer 用于释放锁依赖的连接，可能为 nil。
func OpenLocker(ctx context.Context, cfg config.LockConfig, store *Ledger) (lock.Locker, io.Closer, error) {
	switch cfg.Driver {
	case "none":
		return lock.Noop{}, nil, nil
	case "", "memory":
		return lock.NewRegistry().Locker(cfg.Name), nil, nil
	case "mysql":
		if store == nil || store.DB == nil {
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "lock.driver=mysql 需要 MySQL 账本")
		}
		return mysql.NewNamedLock(store.DB, cfg.Name), nil, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 锁服务失败")
		}
		return redis.NewLock(client, cfg.Name, cfg.TTL()), client, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的锁驱动 %q", cfg.Driver))
	}
}

// LoadContract 读取支付合约地址与 ABI。
func LoadContract(cfg config.ContractConfig) (*payment.Contract, error) {
	address := strings.TrimSpace(cfg.Address)
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("contract.address %q 不是合法地址", cfg.Address))
	}
	return payment.LoadContract(common.HexToAddress(address), cfg.ABIPath)
}

// NewAgent 创建任务执行器：配置了 LLM 时注册 generate_script，配置了知识库时注册
// lookup_knowledge，配置了插件时启动插件并注册其任务。返回的 io.Closer 停止插件，可能为 nil。
func NewAgent(ctx context.Context, cfg config.AgentConfig) (*agent.Agent, io.Closer, error) {
	var opts []agent.Option

	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "":
	case "openai":
		apiKey := strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		if apiKey == "" {
			return nil, nil, fmt.Errorf("OpenAI provider 需要设置环境变量 %s", cfg.LLM.OpenAI.APIKeyEnv)
		}
		timeout := time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second
		client, err := openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, agent.WithLLM(client, timeout))
	default:
		return nil, nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}

	if cfg.Knowledge.Source != "" {
		kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, agent.WithKnowledge(kb))
	}

	var closer io.Closer
	if cfg.Plugins != "" {
		pluginCfg, err := plugin.LoadManagerConfig(cfg.Plugins)
		if err != nil {
			return nil, nil, err
		}
		manager, err := plugin.NewManager(pluginCfg, plugin.WithResource("logger", logger.Named("plugin")))
		if err != nil {
			return nil, nil, err
		}
		if err := manager.StartAll(ctx); err != nil {
			_ = manager.Close()
			return nil, nil, err
		}
		opts = append(opts, agent.WithPlugins(manager))
		closer = manager
	}
	return agent.New(opts...), closer, nil
}

// NewAlerter 组装告警通道：审计日志始终开启，配置了 webhook 时一并投递。
func NewAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

// NewAuth 根据配置创建鉴权服务，JWT 密钥从环境变量读取。
func NewAuth(cfg config.AuthConfig) (*auth.Service, error) {
	authCfg := auth.Config{
		Mode:   auth.Mode(cfg.Mode),
		Tokens: cfg.Tokens,
		JWT: auth.JWTOptions{
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
		},
	}
	if authCfg.Mode == auth.ModeJWT {
		secret := strings.TrimSpace(os.Getenv(cfg.JWT.SecretEnv))
		if secret == "" {
			return nil, fmt.Errorf("auth.mode=jwt 需要设置环境变量 %s", cfg.JWT.SecretEnv)
		}
		authCfg.JWT.Secret = secret
	}
	return auth.NewService(authCfg)
}

// CloseAll 依次关闭资源并记录失败。
func CloseAll(log *slog.Logger, closers ...io.Closer) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("关闭资源失败", slog.String("error", err.Error()))
		}
	}
}
