package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
tcp:
  ack_delay: 50ms
  max_rto: 60s
  delayed_ack: false
ip:
  forwarding: true
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := Default()
	want.TCP.AckDelay = 50 * time.Millisecond
	want.TCP.MaxRTO = 60 * time.Second
	want.TCP.DelayedAck = false
	want.IP.Forwarding = true
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"port range", "stack: {port_range_min: 9000, port_range_max: 8000}", "port range"},
		{"rto bounds", "tcp: {min_rto: 10s, max_rto: 1s}", "rto bounds"},
		{"window", "tcp: {max_window: 70000}", "max_window"},
		{"retries", "tcp: {retries_soft: 20, retries_hard: 3}", "retries_soft"},
		{"log level", "log: {level: chatty}", "log:"},
		{"host link", "stack: {host_link: tap}", "host_link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse(%q) = %v, want error containing %q", tt.yaml, err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
