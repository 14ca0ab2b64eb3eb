package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fwdmail/backend/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SMTPConfig 定义 SMTP 收信服务器的配置
type SMTPConfig struct {
	BindAddr          string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Hostname          string // 服务器主机名，用于 HELO/EHLO 响应
	MaxMessageBytes   int64  // 单封邮件大小上限，默认 25MB
	MaxRecipients     int    // 单事务收件人上限，默认 50
	MaxProtocolErrors int    // 同一会话被拒收件人上限，默认 10
	MaxConnections    int    // 最大并发连接数，默认 256
	MaxConnRate       int    // 每秒最大新建连接数，默认 64
}

// RelayConfig 定义默认的出站投递配置（可被域名级配置覆盖）
type RelayConfig struct {
	Mode           string // 投递模式: direct / relay / hybrid，默认 direct
	Host           string // 上游中继地址（relay/hybrid 模式必填）
	Port           int    // 上游中继端口，默认 587
	Username       string // 中继 AUTH 用户名
	Password       string // 中继 AUTH 密码
	TLSPolicy      string // TLS 策略: opportunistic / required / none
	EnvelopeSender string // 中继模式的信封发件人，留空按域名生成
	RequireSigned  bool   // 强制所有出站邮件带 DKIM 签名，默认关闭
}

// RetryConfig 定义投递重试策略
type RetryConfig struct {
	MaxAttempts int           // 每个目的地址最大投递次数（含首次），默认 5
	Min         time.Duration // 首次重试间隔，默认 1m
	Max         time.Duration // 重试间隔上限，默认 2h
	Factor      float64       // 退避倍率，默认 5
}

// EngineConfig 定义转发引擎的并发参数
type EngineConfig struct {
	Workers         int           // 出站工作协程数，默认 8
	QueueSize       int           // 出站队列容量，默认 256
	DeliveryTimeout time.Duration // 单次投递的传输超时，默认 2m
}

// DirectoryConfig 定义域名目录刷新参数
type DirectoryConfig struct {
	RefreshInterval time.Duration // 快照刷新间隔，默认 30s
}

// VerifierConfig 定义 DNS 验证器参数
type VerifierConfig struct {
	Interval   time.Duration // 全量验证间隔，默认 15m
	ExpectedMX string        // 服务对外的收信主机，必填
	SPFMech    string        // 期望出现在 SPF 记录中的机制，必填
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Enabled  bool   // 是否启用台账查询缓存
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	SMTP      SMTPConfig
	Relay     RelayConfig
	Retry     RetryConfig
	Engine    EngineConfig
	Directory DirectoryConfig
	Verifier  VerifierConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
}

// RelaySettings 把默认出站配置转换为领域层的投递设置。
func (c *Config) RelaySettings() domain.RelaySettings {
	return domain.RelaySettings{
		Mode:           domain.DeliveryMode(c.Relay.Mode),
		Host:           c.Relay.Host,
		Port:           c.Relay.Port,
		Username:       c.Relay.Username,
		Password:       c.Relay.Password,
		TLS:            domain.TLSPolicy(c.Relay.TLSPolicy),
		EnvelopeSender: c.Relay.EnvelopeSender,
	}
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: FWDMAIL_
// 例如: FWDMAIL_SMTP_BIND_ADDR, FWDMAIL_VERIFIER_EXPECTED_MX
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("fwdmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.hostname", "mx.fwdmail.example")
	viper.SetDefault("smtp.max_message_bytes", 25<<20)
	viper.SetDefault("smtp.max_recipients", 50)
	viper.SetDefault("smtp.max_protocol_errors", 10)
	viper.SetDefault("smtp.max_connections", 256)
	viper.SetDefault("smtp.max_conn_rate", 64)
	viper.SetDefault("relay.mode", "direct")
	viper.SetDefault("relay.host", "")
	viper.SetDefault("relay.port", 587)
	viper.SetDefault("relay.username", "")
	viper.SetDefault("relay.password", "")
	viper.SetDefault("relay.tls_policy", "opportunistic")
	viper.SetDefault("relay.envelope_sender", "")
	viper.SetDefault("relay.require_signed", false)
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.min", "1m")
	viper.SetDefault("retry.max", "2h")
	viper.SetDefault("retry.factor", 5.0)
	viper.SetDefault("engine.workers", 8)
	viper.SetDefault("engine.queue_size", 256)
	viper.SetDefault("engine.delivery_timeout", "2m")
	viper.SetDefault("directory.refresh_interval", "30s")
	viper.SetDefault("verifier.interval", "15m")
	viper.SetDefault("verifier.expected_mx", "")
	viper.SetDefault("verifier.spf_mech", "")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	mode := strings.ToLower(viper.GetString("relay.mode"))
	switch domain.DeliveryMode(mode) {
	case domain.DeliveryModeDirect, domain.DeliveryModeRelay, domain.DeliveryModeHybrid:
	default:
		return nil, fmt.Errorf("invalid relay.mode %q (want direct, relay or hybrid)", mode)
	}

	tlsPolicy := strings.ToLower(viper.GetString("relay.tls_policy"))
	switch domain.TLSPolicy(tlsPolicy) {
	case domain.TLSOpportunistic, domain.TLSRequired, domain.TLSNone:
	default:
		return nil, fmt.Errorf("invalid relay.tls_policy %q (want opportunistic, required or none)", tlsPolicy)
	}

	if mode != string(domain.DeliveryModeDirect) && viper.GetString("relay.host") == "" {
		return nil, fmt.Errorf("relay.host is required when relay.mode is %q", mode)
	}

	retryMin, err := time.ParseDuration(viper.GetString("retry.min"))
	if err != nil {
		return nil, fmt.Errorf("invalid retry.min: %w", err)
	}
	retryMax, err := time.ParseDuration(viper.GetString("retry.max"))
	if err != nil {
		return nil, fmt.Errorf("invalid retry.max: %w", err)
	}
	if retryMax < retryMin {
		return nil, fmt.Errorf("retry.max must not be shorter than retry.min")
	}

	deliveryTimeout, err := time.ParseDuration(viper.GetString("engine.delivery_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine.delivery_timeout: %w", err)
	}

	refreshInterval, err := time.ParseDuration(viper.GetString("directory.refresh_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid directory.refresh_interval: %w", err)
	}
	if refreshInterval <= 0 {
		return nil, fmt.Errorf("directory.refresh_interval must be positive, got %s", refreshInterval)
	}

	verifyInterval, err := time.ParseDuration(viper.GetString("verifier.interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid verifier.interval: %w", err)
	}
	if verifyInterval <= 0 {
		return nil, fmt.Errorf("verifier.interval must be positive, got %s", verifyInterval)
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:          viper.GetString("smtp.bind_addr"),
			Hostname:          viper.GetString("smtp.hostname"),
			MaxMessageBytes:   viper.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:     viper.GetInt("smtp.max_recipients"),
			MaxProtocolErrors: viper.GetInt("smtp.max_protocol_errors"),
			MaxConnections:    viper.GetInt("smtp.max_connections"),
			MaxConnRate:       viper.GetInt("smtp.max_conn_rate"),
		},
		Relay: RelayConfig{
			Mode:           mode,
			Host:           viper.GetString("relay.host"),
			Port:           viper.GetInt("relay.port"),
			Username:       viper.GetString("relay.username"),
			Password:       viper.GetString("relay.password"),
			TLSPolicy:      tlsPolicy,
			EnvelopeSender: viper.GetString("relay.envelope_sender"),
			RequireSigned:  viper.GetBool("relay.require_signed"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("retry.max_attempts"),
			Min:         retryMin,
			Max:         retryMax,
			Factor:      viper.GetFloat64("retry.factor"),
		},
		Engine: EngineConfig{
			Workers:         viper.GetInt("engine.workers"),
			QueueSize:       viper.GetInt("engine.queue_size"),
			DeliveryTimeout: deliveryTimeout,
		},
		Directory: DirectoryConfig{
			RefreshInterval: refreshInterval,
		},
		Verifier: VerifierConfig{
			Interval:   verifyInterval,
			ExpectedMX: domain.NormalizeDomainName(viper.GetString("verifier.expected_mx")),
			SPFMech:    viper.GetString("verifier.spf_mech"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 如果文件不存在，静默失败；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
