package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
algomirror:
  name: "algomirror"
  version: "1.0.0"
accounts:
  - id: "backup-1"
    ws_url: "ws://localhost:8766"
    api_key_env: "BACKUP_KEY"
    priority: 1
    active: true
  - id: "primary"
    ws_url: "ws://localhost:8765"
    api_key_env: "PRIMARY_KEY"
    priority: 0
    active: true
  - id: "disabled"
    ws_url: "ws://localhost:8767"
    api_key_env: "DISABLED_KEY"
    priority: 2
    active: false
`

func TestLoadConfigDefaultsAndOrdering(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Channels.TickBuffer != 4096 || cfg.Channels.HandlerBuffer != 1024 {
		t.Errorf("channel defaults wrong: %+v", cfg.Channels)
	}
	if cfg.Stream.HeartbeatTimeout != 15*time.Second {
		t.Errorf("heartbeat_timeout default = %v", cfg.Stream.HeartbeatTimeout)
	}
	if cfg.Chain.WindowSteps != 20 {
		t.Errorf("window_steps default = %d", cfg.Chain.WindowSteps)
	}
	if cfg.Executor.Product != "MIS" {
		t.Errorf("product default = %q", cfg.Executor.Product)
	}

	// Accounts sorted by priority, primary first.
	if cfg.Accounts[0].ID != "primary" || cfg.Accounts[1].ID != "backup-1" {
		t.Errorf("accounts not in priority order: %s, %s", cfg.Accounts[0].ID, cfg.Accounts[1].ID)
	}

	active := cfg.ActiveAccounts()
	if len(active) != 2 {
		t.Fatalf("active accounts = %d, want 2", len(active))
	}
	for _, a := range active {
		if a.ID == "disabled" {
			t.Errorf("inactive account returned")
		}
	}
}

func TestLoadConfigDurationOverride(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
stream:
  heartbeat_timeout: 45s
  grace_period: 2s
  check_interval: 500ms
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Stream.HeartbeatTimeout != 45*time.Second {
		t.Errorf("heartbeat_timeout = %v, want 45s", cfg.Stream.HeartbeatTimeout)
	}
	if cfg.Stream.CheckInterval != 500*time.Millisecond {
		t.Errorf("check_interval = %v, want 500ms", cfg.Stream.CheckInterval)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `
algomirror:
  version: "1.0.0"
accounts:
  - id: "a"
    ws_url: "ws://x"
    api_key_env: "K"
    active: true
`},
		{"no active accounts", `
algomirror:
  name: "algomirror"
  version: "1.0.0"
accounts:
  - id: "a"
    ws_url: "ws://x"
    api_key_env: "K"
    active: false
`},
		{"missing ws_url", `
algomirror:
  name: "algomirror"
  version: "1.0.0"
accounts:
  - id: "a"
    api_key_env: "K"
    active: true
`},
		{"missing api_key_env", `
algomirror:
  name: "algomirror"
  version: "1.0.0"
accounts:
  - id: "a"
    ws_url: "ws://x"
    active: true
`},
		{"monitor missing expiry", minimalConfig + `
chain:
  monitor:
    - underlying: "NIFTY"
`},
		{"s3 without bucket", minimalConfig + `
archive:
  flush_interval: 60s
  s3:
    enabled: true
    region: "ap-south-1"
`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, c.content)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestStrikeStep(t *testing.T) {
	cfg := ChainConfig{Steps: map[string]float64{"BANKNIFTY": 100}}
	if got := cfg.StrikeStep("BANKNIFTY"); got != 100 {
		t.Errorf("BANKNIFTY step = %v, want 100", got)
	}
	if got := cfg.StrikeStep("NIFTY"); got != 50 {
		t.Errorf("fallback step = %v, want 50", got)
	}
}

func TestS3EnvOverride(t *testing.T) {
	t.Setenv("S3_BUCKET", "env-bucket")
	t.Setenv("AWS_REGION", "us-east-1")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
archive:
  flush_interval: 60s
  s3:
    enabled: true
    bucket: "file-bucket"
    region: "ap-south-1"
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Archive.S3.Bucket != "env-bucket" {
		t.Errorf("bucket = %q, want env-bucket", cfg.Archive.S3.Bucket)
	}
	if cfg.Archive.S3.Region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", cfg.Archive.S3.Region)
	}
}
