package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validJSON = `{
  "telegram": {"token": "123:abc", "chat_id": -100123, "rate_per_sec": 5},
  "logging": {"level": "debug", "console": true},
  "scheduler": {"poll_interval": "30s", "grace": "10m", "timezone": "UTC"},
  "store": {"path": "./state.json", "lock_timeout": "2s"},
  "database": {"path": "./muster.db"}
}`

func TestLoadValidJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.ChatID != -100123 {
		t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if got := cfg.PollInterval(); got != 30*time.Second {
		t.Fatalf("PollInterval = %v", got)
	}
	if got := cfg.Grace(); got != 10*time.Minute {
		t.Fatalf("Grace = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadValidYAML(t *testing.T) {
	body := `
telegram:
  token: "123:abc"
  chat_id: -100123
logging:
  level: info
  console: true
scheduler:
  poll_interval: 45s
store: {}
database: {}
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval() != 45*time.Second {
		t.Fatalf("PollInterval = %v", cfg.PollInterval())
	}
	// Omitted fields fall back to defaults.
	if cfg.Grace() != 15*time.Minute {
		t.Fatalf("Grace default = %v", cfg.Grace())
	}
	if cfg.Location() != time.UTC {
		t.Fatal("Location default should be UTC")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	body := `{
  "telegram": {"token": "123:abc", "chat_id": 1},
  "logging": {},
  "scheduler": {},
  "store": {},
  "database": {},
  "surprise": true
}`
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON+`{"again": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data rejection")
	}
}

func TestValidateRejectsMissingToken(t *testing.T) {
	body := `{
  "telegram": {"chat_id": 1},
  "logging": {},
  "scheduler": {},
  "store": {},
  "database": {}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected missing-token rejection")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	body := `{
  "telegram": {"token": "x", "chat_id": 1},
  "logging": {},
  "scheduler": {"grace": "fifteen minutes"},
  "store": {},
  "database": {}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected bad-duration rejection")
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	body := `{
  "telegram": {"token": "x", "chat_id": 1},
  "logging": {},
  "scheduler": {"timezone": "Mars/Olympus_Mons"},
  "store": {},
  "database": {}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected bad-timezone rejection")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	next := &Config{}
	m.publish(next)

	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never reached subscriber")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, latest delivered

	got := <-ch
	if got != second {
		t.Fatal("slow subscriber did not receive the latest config")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
