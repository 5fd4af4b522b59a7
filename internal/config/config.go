package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config — всё внешнее окружение ядра. Ничего из этого не зашито в код:
// база удалённого сервиса, язык по умолчанию, тайминги записи и ретраев.
type Config struct {
	DataDir string
	Port    string

	RemoteBaseURL   string
	RemoteAuthToken string
	DefaultLanguage string

	FragmentInterval  time.Duration
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration

	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	PollInterval     time.Duration

	LogLevel string
	LogFile  string
}

// Load читает конфигурацию из переменных окружения (через viper)
// с дефолтами на каждое значение. .env подхватывается в main через godotenv.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		DataDir: v.GetString("DATA_DIR"),
		Port:    v.GetString("PORT"),

		RemoteBaseURL:   v.GetString("REMOTE_BASE_URL"),
		RemoteAuthToken: v.GetString("REMOTE_AUTH_TOKEN"),
		DefaultLanguage: v.GetString("DEFAULT_LANGUAGE"),

		FragmentInterval:  v.GetDuration("FRAGMENT_INTERVAL"),
		FlushInterval:     v.GetDuration("FLUSH_INTERVAL"),
		HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
		StopTimeout:       v.GetDuration("STOP_TIMEOUT"),

		MaxRetryAttempts: v.GetInt("MAX_RETRY_ATTEMPTS"),
		RetryBaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
		PollInterval:     v.GetDuration("POLL_INTERVAL"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogFile:  v.GetString("LOG_FILE"),
	}

	if cfg.RemoteBaseURL == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if cfg.FragmentInterval <= 0 || cfg.FlushInterval < cfg.FragmentInterval {
		return nil, fmt.Errorf("invalid fragment/flush intervals: %v / %v", cfg.FragmentInterval, cfg.FlushInterval)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("PORT", "8390")

	v.SetDefault("REMOTE_BASE_URL", "")
	v.SetDefault("REMOTE_AUTH_TOKEN", "")
	v.SetDefault("DEFAULT_LANGUAGE", "en")

	v.SetDefault("FRAGMENT_INTERVAL", time.Second)
	v.SetDefault("FLUSH_INTERVAL", 5*time.Second)
	v.SetDefault("HEARTBEAT_INTERVAL", 5*time.Second)
	v.SetDefault("STOP_TIMEOUT", 3*time.Second)

	v.SetDefault("MAX_RETRY_ATTEMPTS", 4)
	v.SetDefault("RETRY_BASE_DELAY", 500*time.Millisecond)
	v.SetDefault("POLL_INTERVAL", time.Second)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
}
