package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

const (
	StoreBadger = "badger"
	StoreMySQL  = "mysql"
)

// Config is shared by the relay and the chat client, each reads what it needs.
type Config struct {
	LogLevel        string  `env:"LOG_LEVEL,default=INFO"`
	CharReplacement string  `env:"CHARACTER_REPLACEMENT,default=*"`
	LimitMessages   *int    `env:"LIMIT_MESSAGES"`
	Host            string  `env:"HOST,default=localhost"`
	Port            int     `env:"PORT,default=8080"`
	DebugPort       int     `env:"DEBUG_PORT,default=8081"`
	RelayURL        string  `env:"RELAY_URL,default=ws://localhost:8080/ws"`
	RequestsPerSec  float64 `env:"REQUESTS_PER_SECOND,default=20"`
	HubBuffer       int     `env:"HUB_BUFFER,default=256"`

	StoreDriver    string `env:"STORE_DRIVER,default=badger"`
	BadgerFilepath string `env:"BADGER_FILEPATH,default=./data/badger"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH,default=./data/bluge"`
	MySQLDSN       string `env:"MYSQL_DSN"`

	MongoURI          string `env:"MONGO_URI"`
	MongoDatabase     string `env:"MONGO_DATABASE,default=chat"`
	MongoBucket       string `env:"MONGO_BUCKET,default=attachments"`
	AttachmentBaseURL string `env:"ATTACHMENT_BASE_URL,default=http://localhost:8080/v1/attachments"`
	MaxAttachment     string `env:"MAX_ATTACHMENT,default=10MiB"`

	AuthSecret        string        `env:"AUTH_SECRET"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=1h"`
	// AccessKeys lists user=argon2id-hash pairs separated by ";".
	AccessKeys string `env:"ACCESS_KEYS"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	ProfileTTL        time.Duration `env:"PROFILE_TTL,default=5m"`
}

// Load reads the optional .env files then the environment, which wins.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if config.StoreDriver != StoreBadger && config.StoreDriver != StoreMySQL {
		return Config{}, fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", StoreBadger, StoreMySQL, config.StoreDriver)
	}
	if config.StoreDriver == StoreMySQL && config.MySQLDSN == "" {
		return Config{}, errors.New("MYSQL_DSN is required with the mysql store")
	}
	return config, nil
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}

// AttachmentLimit parses MAX_ATTACHMENT, e.g. "10MiB" or "500 kB".
func (c Config) AttachmentLimit() (int64, error) {
	size, err := humanize.ParseBytes(c.MaxAttachment)
	if err != nil {
		return 0, fmt.Errorf("MAX_ATTACHMENT: %w", err)
	}
	return int64(size), nil
}

// Keys parses ACCESS_KEYS into user id to encoded hash.
func (c Config) Keys() (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(c.AccessKeys, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, hash, ok := strings.Cut(pair, "=")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("ACCESS_KEYS: malformed entry %q", pair)
		}
		keys[user] = hash
	}
	return keys, nil
}
