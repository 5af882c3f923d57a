package config

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: 10 * time.Second, want: 10 * time.Second},
		{raw: "  ", def: time.Minute, want: time.Minute},
		{raw: "500ms", want: 500 * time.Millisecond},
		{raw: "1m30s", def: time.Second, want: 90 * time.Second},
		{raw: "soon", wantErr: true},
		{raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDuration("field", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDuration(%q): err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

// The duration accessors never return a zero budget: empty, explicit, and
// malformed values all resolve to something the daemon can run with.
func TestDurationAccessors(t *testing.T) {
	t.Parallel()
	var c Config
	if got := c.StopBudget(); got != defaultStopBudget {
		t.Errorf("empty StopBudget = %v, want %v", got, defaultStopBudget)
	}
	if got := c.CheckpointWarn(); got != defaultCheckpointWarn {
		t.Errorf("empty CheckpointWarn = %v, want %v", got, defaultCheckpointWarn)
	}
	if got := c.HistoryBusyTimeout(); got != 0 {
		t.Errorf("no history section: busy timeout = %v, want 0", got)
	}

	c.Shutdown.StopBudget = "45s"
	c.Control.CheckpointWarn = "5s"
	c.History = &HistoryConfig{BusyTimeout: "2s"}
	if got := c.StopBudget(); got != 45*time.Second {
		t.Errorf("StopBudget = %v", got)
	}
	if got := c.CheckpointWarn(); got != 5*time.Second {
		t.Errorf("CheckpointWarn = %v", got)
	}
	if got := c.HistoryBusyTimeout(); got != 2*time.Second {
		t.Errorf("HistoryBusyTimeout = %v", got)
	}

	// Malformed values only survive if Validate was skipped; the accessors
	// still fall back rather than handing out zero.
	c.Shutdown.StopBudget = "junk"
	if got := c.StopBudget(); got != defaultStopBudget {
		t.Errorf("junk StopBudget = %v, want %v", got, defaultStopBudget)
	}
}
