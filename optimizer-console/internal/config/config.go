package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIURL         string        `mapstructure:"api_url"`
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	KafkaBrokers   []string      `mapstructure:"kafka_brokers"`
	KafkaTopic     string        `mapstructure:"kafka_topic"`
}

const (
	envPrefix = "OPTIMIZER_CONSOLE"

	defaultAPIURL         = "http://localhost:8000"
	defaultAddr           = ":8070"
	defaultRequestTimeout = 30 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultKafkaTopic     = "optimizer-console.events"
)

// Load reads configuration from the optional YAML file at path and from
// OPTIMIZER_CONSOLE_* environment variables, which take precedence. A missing
// file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("api_url", defaultAPIURL)
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("request_timeout", defaultRequestTimeout)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", defaultKafkaTopic)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.APIURL = strings.TrimSuffix(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KafkaEnabled reports whether store events should be forwarded to Kafka.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

func (c Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s_API_URL must be an absolute http(s) url, got %q", envPrefix, c.APIURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s_REQUEST_TIMEOUT must be positive, got %s", envPrefix, c.RequestTimeout)
	}
	if c.Addr == "" {
		return fmt.Errorf("%s_ADDR required", envPrefix)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
