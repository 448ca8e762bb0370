package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// RELAY_URL targets a running relay, an in-process one is started when empty.
	RelayURL string `envconfig:"RELAY_URL"`
	// RELAY_SECRET must match the AUTH_SECRET of the targeted relay.
	RelaySecret string `envconfig:"RELAY_SECRET" default:"e2e-secret"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
	// E2E_DEBUG logs every engine event at debug level
	Debug bool `envconfig:"E2E_DEBUG" default:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
