package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string  `mapstructure:"mode"`
	Port       int     `mapstructure:"port"`
	StaticPath string  `mapstructure:"static_path"`
	ReadLimit  int64   `mapstructure:"read_limit"`
	CORSOrigin string  `mapstructure:"cors_origin"`
	EventRate  float64 `mapstructure:"event_rate"`
	EventBurst int     `mapstructure:"event_burst"`
	Secret     string  `mapstructure:"secret"`
}

func Load() (*Config, error) {
	// .env is optional; deployments that use one get PORT/CORS_ORIGIN
	// from it, everyone else falls through to yaml and defaults.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3002)
	v.SetDefault("static_path", "./public")
	v.SetDefault("read_limit", 1048576)
	v.SetDefault("cors_origin", "*")
	v.SetDefault("event_rate", 50)
	v.SetDefault("event_burst", 100)
	v.SetDefault("secret", "collab-relay")

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("cors_origin", "CORS_ORIGIN")
	_ = v.BindEnv("secret", "SESSION_SECRET")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
