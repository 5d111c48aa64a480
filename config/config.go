package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlFeed holds the metadata of the published feed generator record.
type TomlFeed struct {
	Id          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	Description string `toml:"description"`
	AvatarPath  string `toml:"avatar_path"`
}

// TomlPoll configures the author feed poller.
type TomlPoll struct {
	IntervalSeconds int   `toml:"interval_seconds"`
	TimeoutSeconds  int   `toml:"timeout_seconds"`
	PageSize        int64 `toml:"page_size"`
	InitialPageSize int64 `toml:"initial_page_size"`
}

// TomlJetstream configures the firehose connection.
type TomlJetstream struct {
	Hosts     []string `toml:"hosts"`
	Compress  bool     `toml:"compress"`
	UserAgent string   `toml:"user_agent"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	// Authors is the allowlist of DIDs whose posts make up the feed.
	Authors []string `toml:"authors"`

	// OptOutTag suppresses a post when it occurs anywhere in the text,
	// case-insensitively.
	OptOutTag string `toml:"opt_out_tag"`

	Feed      TomlFeed      `toml:"feed"`
	Poll      TomlPoll      `toml:"poll"`
	Jetstream TomlJetstream `toml:"jetstream"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	applyDefaults(&config)

	if len(config.Authors) == 0 {
		return nil, fmt.Errorf("config has no authors")
	}
	if config.Feed.Id == "" {
		return nil, fmt.Errorf("config has no feed id")
	}

	return &config, nil
}

func applyDefaults(config *TomlConfig) {
	if config.OptOutTag == "" {
		config.OptOutTag = "#np"
	}
	if config.Poll.IntervalSeconds == 0 {
		config.Poll.IntervalSeconds = 60
	}
	if config.Poll.TimeoutSeconds == 0 {
		config.Poll.TimeoutSeconds = 30
	}
	if config.Poll.PageSize == 0 {
		config.Poll.PageSize = 20
	}
	if config.Poll.InitialPageSize == 0 {
		config.Poll.InitialPageSize = 100
	}
	if len(config.Jetstream.Hosts) == 0 {
		config.Jetstream.Hosts = []string{
			"wss://jetstream1.us-east.bsky.network",
			"wss://jetstream2.us-east.bsky.network",
		}
	}
	if config.Jetstream.UserAgent == "" {
		config.Jetstream.UserAgent = "circlefeed"
	}
}
