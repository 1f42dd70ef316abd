package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullTOML = `
[Clients.Discord]
bot_token = "dtoken"
guild_id = "g1"

[Clients.Slack]
app_token = "xapp-1"
bot_token = "xoxb-1"

[[Hubs]]
name = "general"
keep_data = false

[Hubs.Discord]
channel_id = "d-chan-1"

[Hubs.Slack]
channel_id = "s-chan-1"
`

const minimalTOML = `
[Clients.Discord]
bot_token = "dtoken"

[Clients.Slack]
app_token = "xapp-1"
bot_token = "xoxb-1"

[[Hubs]]

[Hubs.Discord]
channel_id = "d-chan-1"

[Hubs.Slack]
channel_id = "s-chan-1"
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Clients.Discord.BotToken != "dtoken" {
		t.Errorf("Discord.BotToken = %q, want %q", cfg.Clients.Discord.BotToken, "dtoken")
	}
	if len(cfg.Hubs) != 1 {
		t.Fatalf("len(Hubs) = %d, want 1", len(cfg.Hubs))
	}
	h := cfg.Hubs[0]
	if h.Name != "general" {
		t.Errorf("Hubs[0].Name = %q, want %q", h.Name, "general")
	}
	if h.KeepDataOrDefault() != false {
		t.Errorf("KeepDataOrDefault() = true, want false")
	}
	participants := h.Participants()
	if len(participants) != 2 {
		t.Fatalf("Participants() = %v, want 2 entries", participants)
	}
}

func TestParse_MinimalConfig_DefaultsHubName(t *testing.T) {
	cfg, err := Parse([]byte(minimalTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Hubs[0].Name != "HUB-0" {
		t.Errorf("Hubs[0].Name = %q, want %q (derived index default)", cfg.Hubs[0].Name, "HUB-0")
	}
	if cfg.Hubs[0].KeepDataOrDefault() != true {
		t.Errorf("KeepDataOrDefault() = false, want true (default)")
	}
	if cfg.Clients.CQHttp.WSURL != "ws://localhost:8080/" {
		t.Errorf("CQHttp.WSURL = %q, want default", cfg.Clients.CQHttp.WSURL)
	}
	if cfg.Clients.CQHttp.HTTPURL != "http://localhost:5700/" {
		t.Errorf("CQHttp.HTTPURL = %q, want default", cfg.Clients.CQHttp.HTTPURL)
	}
	if cfg.Attachments.SweepCron != "0 3 * * *" {
		t.Errorf("Attachments.SweepCron = %q, want default", cfg.Attachments.SweepCron)
	}
	if cfg.Attachments.MaxAgeDays != 30 {
		t.Errorf("Attachments.MaxAgeDays = %d, want default 30", cfg.Attachments.MaxAgeDays)
	}
}

func TestParse_HubWithSingleBinding_Invalid(t *testing.T) {
	toml := `
[Clients.Discord]
bot_token = "dtoken"

[[Hubs]]
name = "lonely"

[Hubs.Discord]
channel_id = "d-chan-1"
`
	_, err := Parse([]byte(toml))
	if err == nil {
		t.Fatal("expected error for hub with fewer than two bindings")
	}
	if !strings.Contains(err.Error(), "at least two platform bindings are required") {
		t.Errorf("error = %q, want to contain the two-binding requirement", err.Error())
	}
}

func TestParse_MissingDiscordToken(t *testing.T) {
	toml := `
[[Hubs]]
name = "general"

[Hubs.Discord]
channel_id = "d-chan-1"

[Hubs.Slack]
channel_id = "s-chan-1"

[Clients.Slack]
app_token = "xapp-1"
bot_token = "xoxb-1"
`
	_, err := Parse([]byte(toml))
	if err == nil {
		t.Fatal("expected error for missing Discord token")
	}
	if !strings.Contains(err.Error(), "Clients.Discord.bot_token is required") {
		t.Errorf("error = %q, want to contain the Discord token requirement", err.Error())
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("BYGEON_TEST_DISCORD_TOKEN", "from-env")
	toml := `
[Clients.Discord]
bot_token = "${BYGEON_TEST_DISCORD_TOKEN}"

[Clients.Slack]
app_token = "xapp"
bot_token = "xoxb"

[[Hubs]]
[Hubs.Discord]
channel_id = "d1"
[Hubs.Slack]
channel_id = "s1"
`
	cfg, err := Parse([]byte(toml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Clients.Discord.BotToken != "from-env" {
		t.Errorf("BotToken = %q, want %q", cfg.Clients.Discord.BotToken, "from-env")
	}
}

func TestParse_InvalidTOML(t *testing.T) {
	_, err := Parse([]byte("not = [valid"))
	if err == nil {
		t.Fatal("expected error for invalid TOML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bygeon.toml")
	if err := os.WriteFile(path, []byte(minimalTOML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Clients.Discord.BotToken != "dtoken" {
		t.Errorf("BotToken = %q, want %q", cfg.Clients.Discord.BotToken, "dtoken")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/bygeon.toml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestHubConfig_RemoteChannelID(t *testing.T) {
	h := HubConfig{
		Discord: HubDiscordBinding{ChannelID: "d1"},
		Slack:   HubSlackBinding{ChannelID: "s1"},
		CQHttp:  HubCQHttpBinding{GroupID: "c1"},
	}
	if got := h.RemoteChannelID(PlatformDiscord); got != "d1" {
		t.Errorf("RemoteChannelID(Discord) = %q, want %q", got, "d1")
	}
	if got := h.RemoteChannelID(PlatformSlack); got != "s1" {
		t.Errorf("RemoteChannelID(Slack) = %q, want %q", got, "s1")
	}
	if got := h.RemoteChannelID(PlatformCQHttp); got != "c1" {
		t.Errorf("RemoteChannelID(CQHttp) = %q, want %q", got, "c1")
	}
	if got := h.RemoteChannelID("nope"); got != "" {
		t.Errorf("RemoteChannelID(nope) = %q, want empty", got)
	}
}
