package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = ":3000"
)

type MySQLConfig struct {
	Dsn             string `mapstructure:"dsn"`
	TablePrefix     string `mapstructure:"tablePrefix"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type SessionConfig struct {
	SessionMaxAge  time.Duration `mapstructure:"sessionMaxAge"`
	CookieName     string        `mapstructure:"cookieName"`
	CookieHttpOnly bool          `mapstructure:"cookieHttpOnly"`
	CookieSecure   bool          `mapstructure:"cookieSecure"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	CAFile   string `mapstructure:"caFile"`
}

type MailConfig struct {
	Backend string     `mapstructure:"backend"`
	From    string     `mapstructure:"from"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

type SMSConfig struct {
	Backend string `mapstructure:"backend"`
}

// ThrottleRuleConfig overrides the built-in limit for one scope.
type ThrottleRuleConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type LockoutConfig struct {
	IPThreshold      int           `mapstructure:"ipThreshold"`
	IPLockDuration   time.Duration `mapstructure:"ipLockDuration"`
	UserThreshold    int           `mapstructure:"userThreshold"`
	UserLockDuration time.Duration `mapstructure:"userLockDuration"`
}

type SecurityConfig struct {
	Throttle map[string]ThrottleRuleConfig `mapstructure:"throttle"`
	Lockout  LockoutConfig                 `mapstructure:"lockout"`
	// AuditRetentionDays bounds the audit purge sweep; zero keeps the default.
	AuditRetentionDays int `mapstructure:"auditRetentionDays"`
}

type Config struct {
	Debug        bool           `mapstructure:"debug"`
	SiteName     string         `mapstructure:"siteName"`
	BaseURL      string         `mapstructure:"baseURL"`
	MasterKey    string         `mapstructure:"masterKey"`
	ListenAddr   string         `mapstructure:"listenAddr"`
	TemplateDir  string         `mapstructure:"templateDir"`
	AllowOrigins []string       `mapstructure:"allowOrigins"`
	MFAIssuer    string         `mapstructure:"mfaIssuer"`
	Redis        RedisConfig    `mapstructure:"redis"`
	Session      SessionConfig  `mapstructure:"session"`
	Mail         MailConfig     `mapstructure:"mail"`
	SMS          SMSConfig      `mapstructure:"sms"`
	MySQL        MySQLConfig    `mapstructure:"mysql"`
	Security     SecurityConfig `mapstructure:"security"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Session.SessionMaxAge == 0 {
		c.Session.SessionMaxAge = 24 * time.Hour
	}
	if c.MFAIssuer == "" {
		c.MFAIssuer = c.SiteName
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	viper.SetConfigFile(filename)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
