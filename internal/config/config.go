package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server             ServerConfig        `mapstructure:"server"`
	Database           DatabaseConfig      `mapstructure:"database"`
	Redis              RedisConfig         `mapstructure:"redis"`
	NATS               NATSConfig          `mapstructure:"nats"`
	MinIO              MinIOConfig         `mapstructure:"minio"`
	JWT                JWTConfig           `mapstructure:"jwt"`
	Feishu             FeishuConfig        `mapstructure:"feishu"`
	Log                LogConfig           `mapstructure:"log"`
	Lock               LockConfig          `mapstructure:"lock"`
	Metrics            MetricsConfig       `mapstructure:"metrics"`
	Phases             []PhaseConfig       `mapstructure:"phases"`
	ChecklistTemplates []ChecklistTemplate `mapstructure:"checklist_templates"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig 通知消息总线
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MinIOConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	Bucket     string        `mapstructure:"bucket"`
	UseSSL     bool          `mapstructure:"use_ssl"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type FeishuConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
	// 阶段阻塞等项目级通知发送到该群
	ChatID string `mapstructure:"chat_id"`
	// 卡片“查看详情”按钮指向的前端地址
	LinkBase string `mapstructure:"link_base"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LockConfig 按键加锁参数
type LockConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | redis
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PhaseConfig 阶段及其准入条件
type PhaseConfig struct {
	Number     int               `mapstructure:"number"`
	Name       string            `mapstructure:"name"`
	Conditions []ConditionConfig `mapstructure:"conditions"`
}

// ConditionConfig 单个准入条件，kind 为 approval 或 gate
type ConditionConfig struct {
	Kind         string `mapstructure:"kind"`
	ApprovalType string `mapstructure:"approval_type"`
	ReferenceID  string `mapstructure:"reference_id"`
	GateType     string `mapstructure:"gate_type"`
}

// ChecklistTemplate 启动时写入数据库的检查单模板
type ChecklistTemplate struct {
	ID       string                  `mapstructure:"id" yaml:"id"`
	Name     string                  `mapstructure:"name" yaml:"name"`
	GateType string                  `mapstructure:"gate_type" yaml:"gate_type"`
	Items    []ChecklistTemplateItem `mapstructure:"items" yaml:"items"`
}

type ChecklistTemplateItem struct {
	Description string `mapstructure:"description" yaml:"description"`
	Severity    string `mapstructure:"severity" yaml:"severity"`
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile 加载配置，path 为空时按默认目录查找 config.yaml
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在，使用环境变量
	}

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("nats.subject_prefix", "notifications.pm")
	v.SetDefault("minio.presign_ttl", 15*time.Minute)
	v.SetDefault("jwt.issuer", "nimo-phasegate")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait_timeout", 3*time.Second)
	v.SetDefault("lock.max_retries", 3)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindEnvVariables(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// NATS
	v.BindEnv("nats.url", "NATS_URL")

	// MinIO
	v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("minio.bucket", "MINIO_BUCKET")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Feishu
	v.BindEnv("feishu.app_id", "FEISHU_APP_ID")
	v.BindEnv("feishu.app_secret", "FEISHU_APP_SECRET")
	v.BindEnv("feishu.chat_id", "FEISHU_CHAT_ID")
	v.BindEnv("feishu.link_base", "FEISHU_LINK_BASE")

	// Lock
	v.BindEnv("lock.backend", "LOCK_BACKEND")
}

// Validate 校验阶段表：编号从1开始连续，条件类型合法
func (c *Config) Validate() error {
	for i, p := range c.Phases {
		if p.Number != i+1 {
			return fmt.Errorf("phases[%d]: number must be %d, got %d", i, i+1, p.Number)
		}
		for j, cond := range p.Conditions {
			switch cond.Kind {
			case "approval":
				if cond.ApprovalType == "" {
					return fmt.Errorf("phases[%d].conditions[%d]: approval_type is required", i, j)
				}
			case "gate":
				if cond.GateType == "" {
					return fmt.Errorf("phases[%d].conditions[%d]: gate_type is required", i, j)
				}
			default:
				return fmt.Errorf("phases[%d].conditions[%d]: unknown kind %q", i, j, cond.Kind)
			}
		}
	}
	switch c.Lock.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("lock.backend: unknown backend %q", c.Lock.Backend)
	}
	return nil
}

// GetEnvOrDefault 获取环境变量，如果不存在则返回默认值
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
