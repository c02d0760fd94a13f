package peerchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		// Addr is the TCP listen address for client sessions.
		Addr string `validate:"required,listenaddr"`
		// RendezvousAddr is the UDP listen address of the rendezvous point.
		RendezvousAddr string `validate:"required,listenaddr"`
		// AdvertiseHost is the host clients are told to hail the rendezvous
		// point on. Set it to the server's public address behind NAT.
		AdvertiseHost string `validate:"required"`

		IdleTimeout         time.Duration
		UnregisteredTimeout time.Duration
	}
	Gateway struct {
		// Enabled turns the HTTP/websocket gateway on.
		Enabled bool
		Addr    string `validate:"required_if=Enabled true"`
		// Secret signs websocket session tokens. Must be base64 encoded.
		// The default is a random 32 byte string, which invalidates issued
		// tokens across restarts.
		Secret         Base64Encoded
		AllowedOrigins []string
	}
	Archive struct {
		// File is the path to the SQLite archive database.
		// Empty disables message archiving.
		File string
	}
	valid bool
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

// LoadConfig loads the configuration from the config file and environment variables.
// Any invalid configuration will not be loaded, and the error will be caught in
// the validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", "0.0.0.0:7450")
	viper.SetDefault("server.rendezvousaddr", "0.0.0.0:7451")
	viper.SetDefault("server.advertisehost", "127.0.0.1")

	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("gateway.addr", "0.0.0.0:8080")
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("gateway.secret", base64.StdEncoding.EncodeToString(secret))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
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
	err := validate.Struct(c)
	if err != nil {
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
	for _, v := range translated {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
