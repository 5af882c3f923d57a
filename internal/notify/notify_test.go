package notify

import (
	"strings"
	"testing"

	"taskd/internal/eventbus"
	"taskd/internal/resource"
	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("New(disabled): %v", err)
	}
	if s != nil {
		t.Fatal("disabled New returned a service")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Enabled: true, ChatID: 42}, logx.Nop()); err == nil {
		t.Fatal("missing token accepted")
	}
	if _, err := New(Config{Enabled: true, Token: "t"}, logx.Nop()); err == nil {
		t.Fatal("missing chat_id accepted")
	}
}

func TestFormatSelectsAlertWorthyEvents(t *testing.T) {
	t.Parallel()
	s := &Service{log: logx.Nop()}

	tests := []struct {
		name string
		ev   eventbus.Event
		want string // substring; "" means no alert
	}{
		{
			name: "task failed",
			ev:   eventbus.Event{Type: eventbus.TaskFailed, Data: control.TaskEvent{ID: "t1", Name: "sync", Error: "boom"}},
			want: "task failed: sync",
		},
		{
			name: "resource init failed",
			ev:   eventbus.Event{Type: eventbus.ResourceInitFailed, Data: resource.ResourceEvent{Error: "browser down"}},
			want: "browser down",
		},
		{
			name: "completed is not alert-worthy",
			ev:   eventbus.Event{Type: eventbus.TaskCompleted, Data: control.TaskEvent{ID: "t1"}},
			want: "",
		},
		{
			name: "wrong payload type is skipped",
			ev:   eventbus.Event{Type: eventbus.TaskFailed, Data: "not a task event"},
			want: "",
		},
	}
	for _, tt := range tests {
		got := s.format(tt.ev)
		if tt.want == "" {
			if got != "" {
				t.Errorf("%s: format = %q, want none", tt.name, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("%s: format = %q, want substring %q", tt.name, got, tt.want)
		}
	}
}

// Every Telegram call must carry a client-side timeout; a hung connection
// would otherwise strand the sender for good.
func TestBotSettingsBoundSends(t *testing.T) {
	t.Parallel()
	s := botSettings(Config{Token: "t"})
	if s.Token != "t" {
		t.Fatalf("token = %q", s.Token)
	}
	if s.Client == nil || s.Client.Timeout != sendTimeout {
		t.Fatalf("client timeout not set: %+v", s.Client)
	}
	if s.Poller != nil {
		t.Fatal("send-only bot must not poll")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 700)
	got := truncate(long, 600)
	if len(got) != 600 {
		t.Fatalf("len = %d, want 600", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got[590:])
	}
	if truncate("short", 600) != "short" {
		t.Fatal("short string mangled")
	}
}
