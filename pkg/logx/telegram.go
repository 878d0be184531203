package logx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// telegramAlerter forwards log records at or above a minimum level to an ops
// Telegram chat. It is a zerolog LevelWriter so the root logger can fan out
// to it alongside the console/file sinks.
//
// Delivery is best-effort: the queue never blocks the logging path, the rate
// limiter drops bursts, and send errors are ignored (we cannot log a logging
// failure into the same pipeline without risking a loop).
type telegramAlerter struct {
	bot *tele.Bot

	mu       sync.Mutex
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramAlerter(cfg TelegramConfig) (*telegramAlerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is not set")
	}
	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}

	a := &telegramAlerter{
		bot:   b,
		queue: make(chan string, 256),
	}
	a.apply(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sendLoop(ctx)
	}()
	return a, nil
}

func (a *telegramAlerter) apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	a.mu.Lock()
	a.chatID = cfg.ChatID
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.mu.Unlock()
}

func (a *telegramAlerter) close() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
}

func (a *telegramAlerter) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *telegramAlerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	lim := a.limiter
	min := a.minLevel
	a.mu.Unlock()

	if level < min {
		return len(p), nil
	}
	if lim == nil || !lim.Allow() {
		return len(p), nil
	}

	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}

	// Never block the logging path.
	select {
	case a.queue <- msg:
	default:
		// drop
	}
	return len(p), nil
}

func (a *telegramAlerter) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.mu.Lock()
			chatID := a.chatID
			a.mu.Unlock()
			if chatID == 0 {
				continue
			}
			_, _ = a.bot.Send(tele.ChatID(chatID), msg, tele.NoPreview)
		}
	}
}

// formatAlert renders a zerolog JSON line as a compact human-readable alert.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return truncate(b.String(), 3500)
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
