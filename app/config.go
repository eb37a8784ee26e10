package groupchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Mode     Mode   `validate:"oneof=dev prod"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Auth     struct {
		// Secret is the key used to sign JWT tokens. It must be base64 encoded.
		// The default is a random 32 byte string.
		Secret   Base64Encoded `validate:"required"`
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
	}
	TLS struct {
		Crt string
		Key string
	}
	// RateLimit bounds how fast a single user may send messages.
	RateLimit struct {
		RPS   float64 `validate:"gte=0"`
		Burst int     `validate:"gte=0"`
	} `mapstructure:"rate_limit"`
	// HistoryLimit is used when a history request does not carry a limit.
	HistoryLimit int `mapstructure:"history_limit" validate:"gte=1,lte=500"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from file, a .env file and environment
// variables prefixed with GROUPCHAT_. An empty file looks for ./config.yaml and
// tolerates its absence.
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("groupchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("log_level", "info")
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("sqlite.file", "./groupchat.db")
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("history_limit", 100)
	v.SetDefault("allowed_origins", []string{"*"})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
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

// FormatValidationErrors renders validation errors one per line, sorted.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	lines := slices.Sorted(maps.Values(errs.Translate(trans)))
	return strings.Join(lines, "\n")
}
