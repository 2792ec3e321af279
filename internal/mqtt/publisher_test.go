package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/config"
)

func TestInstanceIDLifecycle(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q is not UUID-shaped", first)
	}

	// The minted ID is persisted and returned verbatim on later calls.
	data, err := os.ReadFile(filepath.Join(dir, instanceIDFile))
	if err != nil {
		t.Fatalf("read persisted id: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("persisted id = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestInstanceIDRemintsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, instanceIDFile), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	if id == "" {
		t.Fatal("got empty id from blank file")
	}
}

type fakeStats struct {
	uptime   time.Duration
	version  string
	model    string
	sessions int
	lastReq  time.Time
}

func (f *fakeStats) Uptime() time.Duration      { return f.uptime }
func (f *fakeStats) Version() string            { return f.version }
func (f *fakeStats) DefaultModel() string       { return f.model }
func (f *fakeStats) ActiveSessions() int        { return f.sessions }
func (f *fakeStats) LastRequestTime() time.Time { return f.lastReq }

func testPublisher(cfg config.MQTTConfig, stats StatsSource) *Publisher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, "inst-0198", NewDailyTokens(time.UTC), stats, logger)
}

func TestTopicLayout(t *testing.T) {
	p := testPublisher(config.MQTTConfig{
		TopicPrefix:  "atrium",
		InstanceName: "office",
	}, &fakeStats{})

	if got := p.topic(""); got != "atrium/office" {
		t.Errorf("base topic = %q", got)
	}
	if got := p.topic("availability"); got != "atrium/office/availability" {
		t.Errorf("availability topic = %q", got)
	}
	if got := p.topic("state"); got != "atrium/office/state" {
		t.Errorf("state topic = %q", got)
	}
}

func TestBuildState(t *testing.T) {
	stats := &fakeStats{
		uptime:   90 * time.Second,
		version:  "1.2.3",
		model:    "qwen2.5:14b",
		sessions: 4,
		lastReq:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	p := testPublisher(config.MQTTConfig{TopicPrefix: "atrium", InstanceName: "office"}, stats)
	p.tokens.OnTokens(100, 40)
	p.tokens.OnTokens(50, 10)

	raw, err := json.Marshal(p.buildState())
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}

	want := map[string]any{
		"instance_id":     "inst-0198",
		"uptime":          "1m30s",
		"version":         "1.2.3",
		"default_model":   "qwen2.5:14b",
		"active_sessions": float64(4),
		"tokens_today":    float64(200),
		"requests_today":  float64(2),
		"last_request":    "2026-03-01T12:00:00Z",
	}
	for key, wantVal := range want {
		if decoded[key] != wantVal {
			t.Errorf("%s = %v, want %v", key, decoded[key], wantVal)
		}
	}
}

func TestBuildStateNoRequestsYet(t *testing.T) {
	p := testPublisher(config.MQTTConfig{TopicPrefix: "atrium", InstanceName: "office"}, &fakeStats{})

	if got := p.buildState().LastRequest; got != "never" {
		t.Errorf("LastRequest = %q, want never", got)
	}
}

func TestStartRejectsBadBrokerURL(t *testing.T) {
	p := testPublisher(config.MQTTConfig{
		Broker:       "://not-a-url",
		TopicPrefix:  "atrium",
		InstanceName: "office",
	}, &fakeStats{})

	if err := p.Start(t.Context()); err == nil {
		t.Error("Start with malformed broker URL succeeded, want error")
	}
}

func TestStopBeforeStart(t *testing.T) {
	p := testPublisher(config.MQTTConfig{TopicPrefix: "atrium", InstanceName: "office"}, &fakeStats{})
	if err := p.Stop(t.Context()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
