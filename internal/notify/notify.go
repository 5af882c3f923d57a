// Package notify pushes operator alerts (task failures, resource
// initialization failures) to a Telegram chat. Alerts are best-effort and
// rate-limited; the control plane never blocks on them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"taskd/internal/eventbus"
	"taskd/internal/resource"
	"taskd/internal/task/control"
	logx "taskd/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // default 3
}

type Service struct {
	log     logx.Logger
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

// New builds the notifier. It returns (nil, nil) when disabled; a nil
// *Service is safe to use.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify chat_id is empty")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	bot, err := tele.NewBot(botSettings(cfg))
	if err != nil {
		return nil, err
	}

	return &Service{
		log:     log,
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

// Consume watches the bus for alert-worthy events until ctx is canceled.
// It is meant to run on its own (supervised) goroutine.
func (s *Service) Consume(ctx context.Context, bus eventbus.Bus) {
	if s == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			msg := s.format(ev)
			if msg == "" {
				continue
			}
			if !s.limiter.Allow() {
				// Under an alert storm the log keeps the full record.
				s.log.Debug("alert suppressed by rate limit", logx.String("type", ev.Type))
				continue
			}
			s.send(msg)
		}
	}
}

func (s *Service) format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TaskFailed:
		te, ok := ev.Data.(control.TaskEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⚠️ task failed: %s\n- id=%s\n- err=%s", te.Name, te.ID, truncate(te.Error, 600))
	case eventbus.ResourceInitFailed:
		re, ok := ev.Data.(resource.ResourceEvent)
		if !ok {
			return ""
		}
		return "🚨 shared resource init failed\n- err=" + truncate(re.Error, 600)
	default:
		return ""
	}
}

// sendTimeout bounds one Telegram API call; the HTTP client enforces it, so
// a hung connection cannot strand a sender.
const sendTimeout = 10 * time.Second

// botSettings builds a send-only bot: no poller, no handler registration,
// and an HTTP client with a hard timeout.
func botSettings(cfg Config) tele.Settings {
	return tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: sendTimeout},
	}
}

func (s *Service) send(text string) {
	if _, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
