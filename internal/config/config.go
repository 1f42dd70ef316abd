// Package config loads bygeon.toml: per-platform client credentials and the
// set of hubs (logical conversations) bridging them together.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the top-level bygeon configuration, loaded from bygeon.toml.
type Config struct {
	Clients     ClientsConfig     `toml:"Clients"`
	Hubs        []HubConfig       `toml:"Hubs"`
	Status      StatusConfig      `toml:"Status"`
	Attachments AttachmentsConfig `toml:"Attachments"`
}

// ClientsConfig holds per-platform connector credentials.
type ClientsConfig struct {
	Discord DiscordClientConfig `toml:"Discord"`
	Slack   SlackClientConfig   `toml:"Slack"`
	CQHttp  CQHttpClientConfig  `toml:"CQHttp"`
}

// DiscordClientConfig holds Discord bot credentials.
type DiscordClientConfig struct {
	BotToken string `toml:"bot_token"`
	GuildID  string `toml:"guild_id"`
}

// SlackClientConfig holds Slack Socket Mode credentials.
type SlackClientConfig struct {
	AppToken string `toml:"app_token"`
	BotToken string `toml:"bot_token"`
}

// CQHttpClientConfig holds OneBot/CQHttp gateway endpoints.
type CQHttpClientConfig struct {
	WSURL   string `toml:"ws_url"`
	HTTPURL string `toml:"http_url"`
}

// HubConfig configures one logical conversation and its per-platform
// channel bindings.
type HubConfig struct {
	Name     string             `toml:"name"`
	KeepData *bool              `toml:"keep_data"`
	Discord  HubDiscordBinding  `toml:"Discord"`
	Slack    HubSlackBinding    `toml:"Slack"`
	CQHttp   HubCQHttpBinding   `toml:"CQHttp"`
}

// HubDiscordBinding selects the Discord channel a hub mirrors to.
type HubDiscordBinding struct {
	ChannelID string `toml:"channel_id"`
}

// HubSlackBinding selects the Slack channel a hub mirrors to.
type HubSlackBinding struct {
	ChannelID string `toml:"channel_id"`
}

// HubCQHttpBinding selects the CQHttp/OneBot group a hub mirrors to.
type HubCQHttpBinding struct {
	GroupID string `toml:"group_id"`
}

// StatusConfig controls the optional operational status HTTP endpoint.
type StatusConfig struct {
	ListenAddr string `toml:"listen_addr"` // empty disables the endpoint
}

// AttachmentsConfig controls the attachment cache's retention sweep. The
// original bygeon never pruned its cache directory; this is a supplemental
// reliability feature, not part of the bridge's core correspondence
// semantics, so sensible defaults apply when left unset.
type AttachmentsConfig struct {
	SweepCron  string `toml:"sweep_cron"`    // 5-field cron expression, default "0 3 * * *"
	MaxAgeDays int    `toml:"max_age_days"` // default 30
}

// Platforms a hub binding names, in a stable order.
const (
	PlatformDiscord = "Discord"
	PlatformSlack   = "Slack"
	PlatformCQHttp  = "CQHttp"
)

// Participants returns the platform names this hub is configured to bridge,
// in a stable order, based on which binding subtables have a non-empty
// channel/group id.
func (h HubConfig) Participants() []string {
	var p []string
	if h.Discord.ChannelID != "" {
		p = append(p, PlatformDiscord)
	}
	if h.Slack.ChannelID != "" {
		p = append(p, PlatformSlack)
	}
	if h.CQHttp.GroupID != "" {
		p = append(p, PlatformCQHttp)
	}
	return p
}

// RemoteChannelID returns the remote channel/group id this hub binds for
// the given platform, or "" if the hub doesn't participate on it.
func (h HubConfig) RemoteChannelID(platform string) string {
	switch platform {
	case PlatformDiscord:
		return h.Discord.ChannelID
	case PlatformSlack:
		return h.Slack.ChannelID
	case PlatformCQHttp:
		return h.CQHttp.GroupID
	default:
		return ""
	}
}

// KeepDataOrDefault returns the configured keep_data value, defaulting to
// true when unset.
func (h HubConfig) KeepDataOrDefault() bool {
	if h.KeepData == nil {
		return true
	}
	return *h.KeepData
}

// Load reads a TOML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in CQHttp's documented default endpoints and hub names.
func (c *Config) applyDefaults() {
	if c.Clients.CQHttp.WSURL == "" {
		c.Clients.CQHttp.WSURL = "ws://localhost:8080/"
	}
	if c.Clients.CQHttp.HTTPURL == "" {
		c.Clients.CQHttp.HTTPURL = "http://localhost:5700/"
	}
	for i := range c.Hubs {
		if c.Hubs[i].Name == "" {
			c.Hubs[i].Name = fmt.Sprintf("HUB-%d", i)
		}
	}
	if c.Attachments.SweepCron == "" {
		c.Attachments.SweepCron = "0 3 * * *"
	}
	if c.Attachments.MaxAgeDays <= 0 {
		c.Attachments.MaxAgeDays = 30
	}
}

// validate checks that every hub names at least two participating
// platforms (a hub with fewer has nothing to bridge) and that the
// credentials for every platform any hub uses are present.
func (c *Config) validate() error {
	var errs []string

	used := map[string]bool{}
	for i, h := range c.Hubs {
		participants := h.Participants()
		if len(participants) < 2 {
			errs = append(errs, fmt.Sprintf("Hubs[%d] (%s): at least two platform bindings are required", i, h.Name))
		}
		for _, p := range participants {
			used[p] = true
		}
	}

	if used[PlatformDiscord] && c.Clients.Discord.BotToken == "" {
		errs = append(errs, "Clients.Discord.bot_token is required: a hub binds a Discord channel")
	}
	if used[PlatformSlack] {
		if c.Clients.Slack.BotToken == "" {
			errs = append(errs, "Clients.Slack.bot_token is required: a hub binds a Slack channel")
		}
		if c.Clients.Slack.AppToken == "" {
			errs = append(errs, "Clients.Slack.app_token is required: a hub binds a Slack channel")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// expandEnvVars replaces ${VAR} tokens with the corresponding environment
// variable value. Unset variables resolve to empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
