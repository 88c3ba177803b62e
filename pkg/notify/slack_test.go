package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		channel string
		want    bool
	}{
		{"no token", "", "#alerts", false},
		{"no channel", "xoxb-test", "", false},
		{"both set", "xoxb-test", "#alerts", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewSlackNotifier(tt.token, tt.channel, testLogger())
			if got := n.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotifyDisabledIsNoop(t *testing.T) {
	n := NewSlackNotifier("", "", testLogger())
	err := n.Notify(context.Background(), Alert{
		ID:       "p1",
		Type:     "disk_full",
		Severity: "critical",
		NodeID:   "n1",
		Title:    "Disk almost full",
	})
	if err != nil {
		t.Errorf("Notify() on disabled notifier = %v, want nil", err)
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"critical", ":rotating_light:"},
		{"warning", ":warning:"},
		{"info", ":information_source:"},
		{"unknown", ":information_source:"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}
