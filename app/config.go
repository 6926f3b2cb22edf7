// Package app assembles a chat session from configuration: server
// coordinates, the bearer credential and the local identity derived from
// it, and the optional message cache.
package app

import (
	"fmt"
	"maps"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Server is the HTTP base URL of the chat backend. The socket endpoint
	// is derived from it by scheme upgrade.
	Server string `validate:"required,url"`
	// Token is the bearer credential for both the REST API and the socket.
	Token string `validate:"required"`
	// Room is the conversation to open on start.
	Room string
	Cache struct {
		// File is the SQLite cache location. Empty disables the cache;
		// ":memory:" keeps it for the process lifetime only.
		File string
	}
	// Reconnect enables socket redial with backoff.
	Reconnect bool
	valid     bool
}

// LoadConfig loads the configuration from the config file and environment
// variables. Invalid values are deferred to the validation step.
func LoadConfig() (*Config, error) {
	// Pull in a .env file when present so local development doesn't need
	// exported variables.
	_ = godotenv.Load()

	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server", "http://localhost:8000")
	viper.SetDefault("reconnect", true)
	viper.SetDefault("cache.file", "")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars may carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
