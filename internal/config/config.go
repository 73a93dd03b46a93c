// Package config 基于 viper 的配置加载，支持配置文件、环境变量（INTERVIEW_ 前缀）和默认值。
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	AntiCheat AntiCheatConfig `mapstructure:"anticheat"`
	Audio     AudioConfig     `mapstructure:"audio"`
	VAD       VADConfig       `mapstructure:"vad"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Client    ClientConfig    `mapstructure:"client"`
}

// ServerConfig HTTP / gRPC 监听配置
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SessionConfig 会话和后端连接配置
type SessionConfig struct {
	MaxStrikes            int           `mapstructure:"max_strikes"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	SilenceFrames         int           `mapstructure:"silence_frames"`
	BackendURL            string        `mapstructure:"backend_url"`
	BackendConnectTimeout time.Duration `mapstructure:"backend_connect_timeout"`
	BackendMaxRetries     int           `mapstructure:"backend_max_retries"`
}

// AntiCheatConfig 违规判定参数，可热更新
type AntiCheatConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	FocusDedupeWindow   time.Duration `mapstructure:"focus_dedupe_window"`
	FacePollInterval    time.Duration `mapstructure:"face_poll_interval"`
	FaceGraceWindow     time.Duration `mapstructure:"face_grace_window"`
}

// AudioConfig 音频参数
type AudioConfig struct {
	CaptureSampleRate  int `mapstructure:"capture_sample_rate"`
	FrameSamples       int `mapstructure:"frame_samples"`
	PlaybackSampleRate int `mapstructure:"playback_sample_rate"`
	QueueSize          int `mapstructure:"queue_size"`
}

// VADConfig 语音检测参数
type VADConfig struct {
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	ZCRThreshold    float64 `mapstructure:"zcr_threshold"`
}

// DatabaseConfig 存储配置，driver 为 memory 或 postgres
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ClientConfig 候选人客户端配置
type ClientConfig struct {
	ServerURL       string `mapstructure:"server_url"`
	ResumeID        string `mapstructure:"resume_id"`
	ExperienceLevel string `mapstructure:"experience_level"`
}

// 配置校验错误
var ErrInvalidConfig = errors.New("invalid config")

// setDefaultValues 设置默认值（不会覆盖文件中的值）
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("session.max_strikes", 2)
	v.SetDefault("session.connect_timeout", "15s")
	v.SetDefault("session.silence_frames", 30)
	v.SetDefault("session.backend_url", "ws://localhost:8090/ws")
	v.SetDefault("session.backend_connect_timeout", "30s")
	v.SetDefault("session.backend_max_retries", 3)

	v.SetDefault("anticheat.confidence_threshold", 0.6)
	v.SetDefault("anticheat.cooldown", "5s")
	v.SetDefault("anticheat.focus_dedupe_window", "1s")
	v.SetDefault("anticheat.face_poll_interval", "2s")
	v.SetDefault("anticheat.face_grace_window", "3s")

	v.SetDefault("audio.capture_sample_rate", 16000)
	v.SetDefault("audio.frame_samples", 4096)
	v.SetDefault("audio.playback_sample_rate", 24000)
	v.SetDefault("audio.queue_size", 32)

	v.SetDefault("vad.energy_threshold", 0.025)
	v.SetDefault("vad.zcr_threshold", 0.15)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "interviews")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrate", true)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.resume_id", "")
	v.SetDefault("client.experience_level", "fresher")
}

// newViper 创建 viper 实例。path 为空时按默认路径搜索 interview.yaml。
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("interview")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀，INTERVIEW_SESSION_MAX_STRIKES 覆盖 session.max_strikes
	v.SetEnvPrefix("INTERVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func readConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Printf("[config] no config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 加载配置
func Load(path string) (*Config, error) {
	return readConfig(newViper(path))
}

// Default 只使用默认值和环境变量
func Default() *Config {
	v := newViper("")
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("[config] unmarshal defaults: %v", err)
	}
	return &cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	var problems []string
	if c.Session.MaxStrikes < 1 {
		problems = append(problems, "session.max_strikes must be >= 1")
	}
	if c.Session.SilenceFrames < 1 {
		problems = append(problems, "session.silence_frames must be >= 1")
	}
	if c.Session.ConnectTimeout <= 0 {
		problems = append(problems, "session.connect_timeout must be positive")
	}
	if t := c.AntiCheat.ConfidenceThreshold; t < 0 || t > 1 {
		problems = append(problems, "anticheat.confidence_threshold must be within [0,1]")
	}
	if c.AntiCheat.Cooldown < 0 || c.AntiCheat.FocusDedupeWindow < 0 {
		problems = append(problems, "anticheat windows must not be negative")
	}
	if c.AntiCheat.FacePollInterval <= 0 {
		problems = append(problems, "anticheat.face_poll_interval must be positive")
	}
	if c.Audio.FrameSamples <= 0 || c.Audio.CaptureSampleRate <= 0 || c.Audio.PlaybackSampleRate <= 0 {
		problems = append(problems, "audio rates and frame size must be positive")
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
