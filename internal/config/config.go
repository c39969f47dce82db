package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string `yaml:"env" env-default:"local"`
	Telegram struct {
		ApiKey  string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
		AdminId int64  `yaml:"admin_id" env:"TELEGRAM_ADMIN_ID" env-default:"0"`
		BotName string `yaml:"bot_name" env-default:"SupportChatBot"`
		Enabled bool   `yaml:"enabled" env-default:"false"`
	} `yaml:"telegram"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env:"MONGO_ENABLED" env-default:"false"`
		Host     string `yaml:"host" env:"MONGO_HOST" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env:"MONGO_PORT" env-default:"27017"`
		User     string `yaml:"user" env:"MONGO_USER" env-default:""`
		Password string `yaml:"password" env:"MONGO_PASSWORD" env-default:""`
		Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"supportchat"`
		// Timeout bounds every single store call.
		Timeout time.Duration `yaml:"timeout" env-default:"5s"`
	} `yaml:"mongo"`
	Auth struct {
		Secret string `yaml:"secret" env:"AUTH_SECRET" env-default:""`
		Issuer string `yaml:"issuer" env-default:""`
		// CheckRevoked enables the revoked-tokens lookup on every handshake.
		CheckRevoked bool `yaml:"check_revoked" env-default:"false"`
	} `yaml:"auth"`
	Chat struct {
		PreviewLength   int           `yaml:"preview_length" env-default:"80"`
		MaxBodyLength   int           `yaml:"max_body_length" env-default:"4000"`
		IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"90s"`
		SweepSchedule   string        `yaml:"sweep_schedule" env-default:"@every 30s"`
		SendBuffer      int           `yaml:"send_buffer" env-default:"256"`
		HistoryLimit    int           `yaml:"history_limit" env-default:"200"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		MaxMessageBytes int64         `yaml:"max_message_bytes" env-default:"16384"`
	} `yaml:"chat"`
	Listen struct {
		BindIP string `yaml:"bind_ip" env:"BIND_IP" env-default:"127.0.0.1"`
		Port   string `yaml:"port" env:"PORT" env-default:"9100"`
	} `yaml:"listen"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("%s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
		if err = instance.Validate(); err != nil {
			log.Fatal(err)
		}
	})
	return instance
}

// Load reads path without the process-wide singleton.
func Load(path string) (*Config, error) {
	conf := &Config{}
	if err := cleanenv.ReadConfig(path, conf); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Chat.PreviewLength <= 0 {
		return fmt.Errorf("chat.preview_length must be positive")
	}
	if c.Chat.MaxBodyLength <= 0 {
		return fmt.Errorf("chat.max_body_length must be positive")
	}
	if c.Chat.SendBuffer <= 0 {
		return fmt.Errorf("chat.send_buffer must be positive")
	}
	if c.Telegram.Enabled && (c.Telegram.ApiKey == "" || c.Telegram.AdminId == 0) {
		return fmt.Errorf("telegram.api_key and telegram.admin_id are required when telegram is enabled")
	}
	return nil
}
