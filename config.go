package outie

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full configuration. Values resolve in
// order: defaults, YAML file, environment (environment wins).
type Config struct {
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Telegram struct {
		Token        string  `yaml:"token"`
		OwnerChatID  int64   `yaml:"owner_chat_id"`
		AllowedUsers []int64 `yaml:"allowed_users"`
	} `yaml:"telegram"`

	Webhook struct {
		Secret       string   `yaml:"secret"`
		AllowedUsers []string `yaml:"allowed_users"`
	} `yaml:"webhook"`

	Engine struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"engine"`

	Search struct {
		BraveAPIKey string `yaml:"brave_api_key"`
		FetchURL    string `yaml:"fetch_url"`
	} `yaml:"search"`

	GitHub struct {
		ClientID       string `yaml:"client_id"`
		InstallationID string `yaml:"installation_id"`
		PrivateKeyPath string `yaml:"private_key_path"`
	} `yaml:"github"`

	Sandbox struct {
		Image     string `yaml:"image"`
		BridgeURL string `yaml:"bridge_url"`
	} `yaml:"sandbox"`

	AmbientInterval time.Duration `yaml:"ambient_interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		DBPath:          "outie.db",
		ListenAddr:      ":8420",
		DataDir:         ".",
		AmbientInterval: 30 * time.Minute,
	}
	cfg.Engine.URL = "http://localhost:8787"
	cfg.Sandbox.BridgeURL = "ws://localhost:8900/uplink"
	return cfg
}

// LoadConfig reads configuration from an optional YAML file and the
// environment. A .env file in the working directory is honoured.
func LoadConfig(path string) (*Config, error) {
	// Missing .env is fine; it only exists in dev setups.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.DBPath, "OUTIE_DB_PATH")
	setString(&c.ListenAddr, "OUTIE_LISTEN_ADDR")
	setString(&c.DataDir, "OUTIE_DATA_DIR")

	setString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_OWNER_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.OwnerChatID = id
		}
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_USERS"); v != "" {
		c.Telegram.AllowedUsers = nil
		for _, part := range strings.Split(v, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				c.Telegram.AllowedUsers = append(c.Telegram.AllowedUsers, id)
			}
		}
	}

	setString(&c.Webhook.Secret, "WEBHOOK_SECRET")
	if v := os.Getenv("WEBHOOK_ALLOWED_USERS"); v != "" {
		c.Webhook.AllowedUsers = splitTrimmed(v)
	}

	setString(&c.Engine.URL, "ENGINE_URL")
	setString(&c.Engine.APIKey, "ENGINE_API_KEY")

	setString(&c.Search.BraveAPIKey, "BRAVE_API_KEY")
	setString(&c.Search.FetchURL, "FETCH_URL")

	setString(&c.GitHub.ClientID, "GITHUB_CLIENT_ID")
	setString(&c.GitHub.InstallationID, "GITHUB_INSTALLATION_ID")
	setString(&c.GitHub.PrivateKeyPath, "GITHUB_PRIVATE_KEY_PATH")

	setString(&c.Sandbox.Image, "SANDBOX_IMAGE")
	setString(&c.Sandbox.BridgeURL, "SANDBOX_BRIDGE_URL")

	if v := os.Getenv("AMBIENT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AmbientInterval = d
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitTrimmed(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
