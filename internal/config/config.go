package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 描述了 resonanced 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Storage       StorageConfig       `json:"storage"`
	Queue         QueueConfig         `json:"queue"`
	Events        EventsConfig        `json:"events"`
	LLM           LLMConfig           `json:"llm"`
	Embedding     EmbeddingConfig     `json:"embedding"`
	Profile       ProfileConfig       `json:"profile"`
	Directory     DirectoryConfig     `json:"directory"`
	Negotiation   NegotiationConfig   `json:"negotiation"`
	Observability ObservabilityConfig `json:"observability"`
	Logging       LoggingConfig       `json:"logging"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                  string   `json:"address"`
	ReadHeaderTimeoutSeconds int      `json:"read_header_timeout_seconds"`
	AllowedOrigins           []string `json:"allowed_origins"`
}

// StorageConfig 描述已结束协商的归档存储。
type StorageConfig struct {
	Archive ArchiveConfig `json:"archive"`
}

// ArchiveConfig 支持 memory（JSONL 文件）、mysql 与 sqlite 三种驱动。
type ArchiveConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Path                   string `json:"path"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 控制协商任务的排队方式以及并发 worker 数量。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 为基于 Redis 的队列提供连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 为基于 RabbitMQ 的队列提供连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// EventsConfig 控制事件总线的缓冲与外部转发。
type EventsConfig struct {
	HistorySize      int             `json:"history_size"`
	SubscriberBuffer int             `json:"subscriber_buffer"`
	Redis            RedisSinkConfig `json:"redis"`
	NATS             NATSSinkConfig  `json:"nats"`
}

// RedisSinkConfig 将事件以 PUBLISH 的方式转发给外部观察者。
type RedisSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// NATSSinkConfig 将事件发布到 NATS subject。
type NATSSinkConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// LLMConfig 用于配置推理服务的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回单次请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// ResolveAPIKey 优先使用显式配置，其次读取 api_key_env 指定的环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// EmbeddingConfig 选择向量编码实现。
type EmbeddingConfig struct {
	Provider       string       `json:"provider"`
	Dimension      int          `json:"dimension"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	OpenAI         OpenAIConfig `json:"openai"`
	Ollama         OllamaConfig `json:"ollama"`
}

// OllamaConfig 描述本地 Ollama 服务。
type OllamaConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// ProfileConfig 选择画像来源：static 使用本地目录 + 推理服务，http 访问远端身份服务。
type ProfileConfig struct {
	Provider string            `json:"provider"`
	HTTP     HTTPProfileConfig `json:"http"`
}

// HTTPProfileConfig 描述远端画像服务。
type HTTPProfileConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TokenEnv       string `json:"token_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DirectoryConfig 指定 Agent 目录的初始数据文件。
type DirectoryConfig struct {
	SeedFile string `json:"seed_file"`
	Watch    bool   `json:"watch"`
}

// NegotiationConfig 汇总协商流程的各项超时与阈值。
type NegotiationConfig struct {
	ConfirmTimeoutSeconds     int     `json:"confirm_timeout_seconds"`
	FormulationTimeoutSeconds int     `json:"formulation_timeout_seconds"`
	OfferTimeoutSeconds       int     `json:"offer_timeout_seconds"`
	BarrierTimeoutSeconds     int     `json:"barrier_timeout_seconds"`
	SynthesisTimeoutSeconds   int     `json:"synthesis_timeout_seconds"`
	SessionTimeoutSeconds     int     `json:"session_timeout_seconds"`
	MaxCenterRounds           int     `json:"max_center_rounds"`
	ActivationRatio           float64 `json:"activation_ratio"`
	MinCandidates             int     `json:"min_candidates"`
	MaxCandidates             int     `json:"max_candidates"`
	MinScore                  float64 `json:"min_score"`
	DisableGapRecursion       bool    `json:"disable_gap_recursion"`
}

// ObservabilityConfig 控制指标与告警。
type ObservabilityConfig struct {
	MetricsPath      string `json:"metrics_path"`
	AlertWebhookURL  string `json:"alert_webhook_url"`
	AlertTimeoutSecs int    `json:"alert_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadEnvFiles 加载 .env 文件，文件不存在时静默跳过；已有的环境变量不会被覆盖。
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("加载环境文件 %s 失败: %w", p, err)
		}
	}
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件。
// 路径不存在时返回全部默认值，方便本地直接启动。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	default:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 允许少量关键项通过环境变量覆盖。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("RESONANCE_LISTEN_ADDR")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("RESONANCE_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("RESONANCE_ARCHIVE_DSN")); v != "" {
		c.Storage.Archive.DSN = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Archive.Driver == "" {
		c.Storage.Archive.Driver = "memory"
	}
	if c.Storage.Archive.Driver == "sqlite" && c.Storage.Archive.Path == "" {
		c.Storage.Archive.Path = filepath.Join(c.Runtime.DataDir, "negotiations.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 8
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "resonance:negotiations"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "resonance.negotiations"
	}

	if c.Events.HistorySize <= 0 {
		c.Events.HistorySize = 256
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "resonance.events"
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "resonance.events"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 256
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		c.Embedding.TimeoutSeconds = 15
	}
	if c.Embedding.OpenAI.APIKeyEnv == "" {
		c.Embedding.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Profile.Provider == "" {
		c.Profile.Provider = "static"
	}
	if c.Profile.HTTP.TimeoutSeconds <= 0 {
		c.Profile.HTTP.TimeoutSeconds = 30
	}

	if c.Directory.SeedFile != "" && !filepath.IsAbs(c.Directory.SeedFile) {
		c.Directory.SeedFile = filepath.Join(baseDir, c.Directory.SeedFile)
	}

	n := &c.Negotiation
	if n.ConfirmTimeoutSeconds <= 0 {
		n.ConfirmTimeoutSeconds = 300
	}
	if n.FormulationTimeoutSeconds <= 0 {
		n.FormulationTimeoutSeconds = 30
	}
	if n.OfferTimeoutSeconds <= 0 {
		n.OfferTimeoutSeconds = 30
	}
	if n.BarrierTimeoutSeconds <= 0 {
		n.BarrierTimeoutSeconds = 90
	}
	if n.SynthesisTimeoutSeconds <= 0 {
		n.SynthesisTimeoutSeconds = 60
	}
	if n.SessionTimeoutSeconds <= 0 {
		n.SessionTimeoutSeconds = 900
	}
	if n.MaxCenterRounds <= 0 {
		n.MaxCenterRounds = 2
	}
	if n.ActivationRatio <= 0 {
		n.ActivationRatio = 0.7
	}
	if n.MinCandidates <= 0 {
		n.MinCandidates = 3
	}

	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if c.Observability.AlertTimeoutSecs <= 0 {
		c.Observability.AlertTimeoutSecs = 5
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 校验配置之间的约束。
func (c *Config) Validate() error {
	n := c.Negotiation
	if n.OfferTimeoutSeconds >= n.BarrierTimeoutSeconds {
		return fmt.Errorf("offer_timeout_seconds(%d) 必须小于 barrier_timeout_seconds(%d)", n.OfferTimeoutSeconds, n.BarrierTimeoutSeconds)
	}
	if n.BarrierTimeoutSeconds >= n.SessionTimeoutSeconds {
		return fmt.Errorf("barrier_timeout_seconds(%d) 必须小于 session_timeout_seconds(%d)", n.BarrierTimeoutSeconds, n.SessionTimeoutSeconds)
	}
	if n.ActivationRatio > 1 {
		return fmt.Errorf("activation_ratio 不能大于 1: %v", n.ActivationRatio)
	}
	if n.MaxCandidates > 0 && n.MaxCandidates < n.MinCandidates {
		return fmt.Errorf("max_candidates(%d) 不能小于 min_candidates(%d)", n.MaxCandidates, n.MinCandidates)
	}
	switch c.Storage.Archive.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.Archive.DSN == "" {
			return errors.New("mysql 归档需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的归档驱动: %s", c.Storage.Archive.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	return nil
}

// ConfirmTimeout 返回 FORMULATED 检查点的自动确认时间。
func (n NegotiationConfig) ConfirmTimeout() time.Duration {
	return seconds(n.ConfirmTimeoutSeconds)
}

// FormulationTimeout 返回需求丰富化的超时时间。
func (n NegotiationConfig) FormulationTimeout() time.Duration {
	return seconds(n.FormulationTimeoutSeconds)
}

// OfferTimeout 返回单个 Agent 报价的超时时间。
func (n NegotiationConfig) OfferTimeout() time.Duration {
	return seconds(n.OfferTimeoutSeconds)
}

// BarrierTimeout 返回报价阶段的全局截止时间。
func (n NegotiationConfig) BarrierTimeout() time.Duration {
	return seconds(n.BarrierTimeoutSeconds)
}

// SynthesisTimeout 返回单轮综合推理的超时时间。
func (n NegotiationConfig) SynthesisTimeout() time.Duration {
	return seconds(n.SynthesisTimeoutSeconds)
}

// SessionTimeout 返回整个协商会话的墙钟上限。
func (n NegotiationConfig) SessionTimeout() time.Duration {
	return seconds(n.SessionTimeoutSeconds)
}

func seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}
