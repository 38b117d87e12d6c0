// Package config loads the daemon configuration: defaults, then the TOML
// file, then BOB_* environment variables (env wins).
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DefaultEngine string `toml:"default_engine"`
	Timezone      string `toml:"timezone"` // IANA name, e.g. "Europe/Berlin"
	DataDir       string `toml:"data_dir"` // state files, offset, pid, db

	Telegram  TelegramConfig           `toml:"telegram"`
	Engines   map[string]EngineConfig  `toml:"engines"`
	Embedding EmbeddingConfig          `toml:"embedding"`
	Heartbeat HeartbeatConfig          `toml:"heartbeat"`
	DND       DNDConfig                `toml:"dnd"`
	Recall    RecallConfig             `toml:"recall"`
	Scripts   ScriptsConfig            `toml:"scripts"`
	Projects  map[string]ProjectConfig `toml:"projects"`
	Observer  ObserverConfig           `toml:"observer"`
	Retention RetentionConfig          `toml:"retention"`
}

type TelegramConfig struct {
	Token string `toml:"token"`
	// AllowedUserIDs is the inbound allowlist. Empty denies everyone:
	// the daemon is single-user and must be pointed at its user
	// explicitly.
	AllowedUserIDs []int64 `toml:"allowed_user_ids"`
	HomeChatID     int64   `toml:"home_chat_id"`
	AckReaction    string  `toml:"ack_reaction"`
}

type EngineConfig struct {
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	ResumeFlag string   `toml:"resume_flag"`
	Format     string   `toml:"format"` // "stream-json" or "text"
}

type EmbeddingConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type HeartbeatConfig struct {
	Enabled         bool   `toml:"enabled"`
	Prompt          string `toml:"prompt"` // inline instruction override
	InstructionFile string `toml:"instruction_file"`
}

type DNDConfig struct {
	Start string `toml:"start"` // "HH:MM"; empty disables the window
	End   string `toml:"end"`
}

type RecallConfig struct {
	MemoryDir  string `toml:"memory_dir"`
	JournalDir string `toml:"journal_dir"`
	TopK       int    `toml:"top_k"`
}

type ScriptsConfig struct {
	Root string `toml:"root"`
}

type ProjectConfig struct {
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type RetentionConfig struct {
	EventDays   int `toml:"event_days"`
	MessageDays int `toml:"message_days"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	base := filepath.Join(home, ".bob")
	return Config{
		DefaultEngine: "claude",
		Timezone:      "UTC",
		DataDir:       base,
		Telegram:      TelegramConfig{AckReaction: "👀"},
		Engines: map[string]EngineConfig{
			"claude": {
				Command:    "claude",
				Args:       []string{"-p", "--output-format", "stream-json", "--verbose"},
				ResumeFlag: "--resume",
				Format:     "stream-json",
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "nomic-embed-text",
		},
		Heartbeat: HeartbeatConfig{Enabled: true},
		Recall: RecallConfig{
			MemoryDir:  filepath.Join(base, "memory"),
			JournalDir: filepath.Join(base, "journal"),
			TopK:       8,
		},
		Scripts:   ScriptsConfig{Root: filepath.Join(base, "scripts")},
		Retention: RetentionConfig{EventDays: 30, MessageDays: 90},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "bob.toml")
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("BOB_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("BOB_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("BOB_DEFAULT_ENGINE"); v != "" {
		cfg.DefaultEngine = v
	}
	if v := os.Getenv("BOB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BOB_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("BOB_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// DBPath is the SQLite file location.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "bob.db") }

// StatePath returns the location of a named state file under the data dir.
func (c Config) StatePath(name string) string { return filepath.Join(c.DataDir, name) }
