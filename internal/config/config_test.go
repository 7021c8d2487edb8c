package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  id: alpha
  capabilities: [general, io]
  planner: planner
logging:
  level: debug
  console: true
scheduler:
  max_queue: 50
  max_concurrent: 3
aid:
  request_interval: 2s
watchdog:
  pulse_every: 10s
tuning:
  high_threshold: 0.9
  low_threshold: 0.2
rhythms:
  - name: compact
    schedule: "@every 1m"
    action: compact
    adaptive: true
  - name: report
    schedule: "0 * * * *"
    target: reporter
    essential: true
routes:
  "*": worker
bus:
  driver: memory
storage:
  driver: file
  path: ./data/tempo
http:
  addr: 127.0.0.1:8080
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("tempo.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.Node.ID)
	assert.Equal(t, []string{"general", "io"}, cfg.Node.Capabilities)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	require.Len(t, cfg.Rhythms, 2)
	assert.True(t, cfg.Rhythms[0].Adaptive)
	assert.Equal(t, "reporter", cfg.Rhythms[1].Target)
	assert.Equal(t, "worker", cfg.Routes["*"])
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)
	require.NoError(t, cfg.Validate())
}

func TestDecodeYAMLKeysAndEmpty(t *testing.T) {
	cfg, err := Decode("tempo.yml", []byte("node:\n  id: a\nroutes:\n  1: beta\n  true: gamma\n"))
	require.NoError(t, err)
	assert.Equal(t, "beta", cfg.Routes["1"])
	assert.Equal(t, "gamma", cfg.Routes["true"])

	cfg, err = Decode("tempo.yaml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Node.ID)

	_, err = Decode("tempo.yaml", []byte("routes:\n  ? [a, b]\n  : beta\n"))
	require.Error(t, err, "list keys have no string form")

	_, err = Decode("tempo.yaml", []byte("node:\n  id: a\n  color: red\n"))
	require.Error(t, err, "unknown yaml keys are rejected too")
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("tempo.json", []byte(`{"node":{"id":"a"},"extra":{}}`))
	require.Error(t, err, "unknown sections are rejected")

	_, err = Decode("tempo.json", []byte(`{"node":{"id":"a"}}{"node":{"id":"b"}}`))
	require.Error(t, err, "trailing data is rejected")

	cfg, err := Decode("tempo.json", []byte(`{"node":{"id":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Node.ID)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"missing id":       func(c *Config) { c.Node.ID = "" },
		"bad duration":     func(c *Config) { c.Watchdog.PulseEvery = "soon" },
		"negative":         func(c *Config) { c.Watchdog.StaleAfter = "-1s" },
		"thresholds":       func(c *Config) { c.Tuning.LowThreshold = 0.95 },
		"duplicate rhythm": func(c *Config) { c.Rhythms = append(c.Rhythms, c.Rhythms[0]) },
		"rhythm no action": func(c *Config) { c.Rhythms[0].Action = "" },
		"unknown bus":      func(c *Config) { c.Bus.Driver = "nats" },
		"redis no addr":    func(c *Config) { c.Bus.Driver = "redis" },
		"bad retention":    func(c *Config) { c.Storage.MissedRetention = "x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Decode("tempo.yaml", []byte(sampleYAML))
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseInterval(t *testing.T) {
	d, err := ParseIntervalOrDefault("x", "off", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), d)

	d, err = ParseIntervalOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-5s")
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("tempo.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("tempo.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, rhythms := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, rhythms)

	newCfg.Logging.Level = "info"
	newCfg.Rhythms[0].Schedule = "@every 5m"
	newCfg.Rhythms = append(newCfg.Rhythms[:1], RhythmConfig{Name: "fresh", Schedule: "@hourly", Action: "x"})

	changed, attrs, rhythms := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "rhythms"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"compact", "fresh", "report"}, rhythms)
	assert.True(t, Live(changed))

	assert.False(t, Live([]string{"tuning"}))

	newCfg.Bus.Driver = "redis"
	changed, _, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.False(t, Live(changed))
}

func TestManagerLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tempo.yaml", sampleYAML)

	m := NewManager(path)
	calls := 0
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		calls++
		if cfg.Node.ID == "reject-me" {
			return errors.New("nope")
		}
		return nil
	})
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, 1, calls)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	assert.False(t, m.Reload(context.Background()), "unchanged content is not republished")

	writeFile(t, dir, "tempo.yaml", sampleYAML+"\n# comment only\n")
	assert.False(t, m.Reload(context.Background()), "comments do not change the decoded config")

	writeFile(t, dir, "tempo.yaml", `{"node":{"id":"reject-me"}}`)
	assert.False(t, m.Reload(context.Background()))
	assert.Equal(t, "alpha", m.Get().Node.ID)

	writeFile(t, dir, "tempo.yaml", "node:\n  id: beta\n")
	require.True(t, m.Reload(context.Background()))
	select {
	case got := <-sub:
		assert.Equal(t, "beta", got.Node.ID)
	default:
		t.Fatal("no config published")
	}
	assert.Equal(t, "beta", m.Get().Node.ID)
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tempo.json", `{"node":{"id":""}}`)
	_, err := NewManager(path).Load(context.Background())
	require.Error(t, err)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Node: NodeConfig{ID: "one"}})
	m.publish(&Config{Node: NodeConfig{ID: "two"}})
	got := <-sub
	assert.Equal(t, "two", got.Node.ID)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}

func TestWatchPublishesEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tempo.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		writeFile(t, dir, "tempo.yaml", "node:\n  id: gamma\n")
		select {
		case got := <-sub:
			return got.Node.ID == "gamma"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
