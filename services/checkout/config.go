package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/services/providers"
)

// RedisConfig contém a conexão usada pelos carrinhos de convidados
type RedisConfig struct {
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

// Config é a configuração do serviço, lida das variáveis de ambiente
type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"checkout-service"`
	Env          string `envconfig:"APP_ENV" default:"development"`
	Currency     string `envconfig:"CURRENCY" default:"SGD"`
	AutoMigrate  bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`

	Database postgres.Config        `envconfig:"DATABASE"`
	Redis    RedisConfig            `envconfig:"REDIS"`
	PayPal   providers.PayPalConfig `envconfig:"PAYPAL"`
	NETS     providers.NETSConfig   `envconfig:"NETS"`
}

// LoadConfig carrega o .env (se existir) e depois o ambiente
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.PayPal.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.NETS.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
