package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: direct-api
  model: gpt-4o-mini
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Persona.Name != "Relay" {
		t.Errorf("persona name = %q", cfg.Persona.Name)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("maxTokens = %d", cfg.LLM.MaxTokens)
	}
	if cfg.Verification.MaxRetries != 3 || cfg.Verification.ConfidenceThreshold != 0.7 {
		t.Errorf("verification defaults = %+v", cfg.Verification)
	}
	if !cfg.Verification.SkipShortResponses() {
		t.Error("short responses should skip verification by default")
	}
	if cfg.History.MaxMessages != 100 || cfg.History.MaxSegments != 20 {
		t.Errorf("history defaults = %+v", cfg.History)
	}
	if !*cfg.Journal.Enabled || !*cfg.Tasks.Enabled || !*cfg.Tasks.RecoverOnStartup {
		t.Error("journal and task persistence should default on")
	}
	if cfg.Web.Port != 3000 || cfg.Health.Port != 3001 {
		t.Errorf("ports = web %d, health %d", cfg.Web.Port, cfg.Health.Port)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "123456:secret")
	path := writeConfig(t, `
llm:
  provider: direct-api
channels:
  tg:
    type: telegram
    enabled: true
    token: ${RELAY_TEST_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Channels["tg"].Token; got != "123456:secret" {
		t.Errorf("token = %q", got)
	}
}

func TestChannelSchemaFields(t *testing.T) {
	path := writeConfig(t, `
llm: {provider: direct-api}
channels:
  wc:
    type: wechat
    enabled: false
    puppetProvider: padlocal
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Channels["wc"].PuppetProvider; got != "padlocal" {
		t.Errorf("puppetProvider = %q", got)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing provider",
			yaml: `persona: {name: x}`,
			want: "llm.provider is required",
		},
		{
			name: "unknown provider",
			yaml: `llm: {provider: bard}`,
			want: "not supported",
		},
		{
			name: "telegram without token",
			yaml: `
llm: {provider: direct-api}
channels:
  tg: {type: telegram, enabled: true}
`,
			want: "requires a token",
		},
		{
			name: "wechat",
			yaml: `
llm: {provider: direct-api}
channels:
  wc: {type: wechat, enabled: true}
`,
			want: "external puppet service",
		},
		{
			name: "unknown channel type",
			yaml: `
llm: {provider: direct-api}
channels:
  x: {type: carrier-pigeon, enabled: true}
`,
			want: "unknown type",
		},
		{
			name: "mcp server without command",
			yaml: `
llm: {provider: direct-api}
mcp:
  servers:
    calc: {args: ["--fast"]}
`,
			want: "command is required",
		},
		{
			name: "bad notify target",
			yaml: `
llm: {provider: direct-api}
health:
  notifyTargets: ["no-separator"]
`,
			want: "channelId:conversationId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestDisabledChannelNotValidated(t *testing.T) {
	path := writeConfig(t, `
llm: {provider: direct-api}
channels:
  tg: {type: telegram, enabled: false}
`)
	if _, err := Load(path); err != nil {
		t.Errorf("disabled channel should not be validated: %v", err)
	}
}

func TestVerificationFor(t *testing.T) {
	path := writeConfig(t, `
llm: {provider: direct-api}
verification:
  enabled: true
  maxRetries: 3
channels:
  tg:
    type: telegram
    enabled: true
    token: t
    verification:
      enabled: false
  web:
    type: web
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VerificationFor("tg").Enabled {
		t.Error("tg override should disable verification")
	}
	if !cfg.VerificationFor("web").Enabled {
		t.Error("web should inherit the global config")
	}
	if !cfg.VerificationFor("missing").Enabled {
		t.Error("unknown channel should inherit the global config")
	}
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv(DataDirEnv, "/tmp/relay-data")
	if got := DefaultDataDir(); got != "/tmp/relay-data" {
		t.Errorf("data dir = %q", got)
	}

	t.Setenv(DataDirEnv, "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := DefaultDataDir(); got != filepath.Join(home, ".message-agent-host") {
		t.Errorf("data dir = %q", got)
	}
}
