// Package telegram is the send-only ops channel. It never polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rankbot/internal/transport"
	logx "rankbot/pkg/logx"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint.
	URL     string
	Timeout time.Duration
}

// Sender delivers ops text through the Bot API.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

var _ kit.Sender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   strings.TrimSpace(cfg.Token),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer a newline near the end of the window, but not a tiny chunk.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text to the target, split into chunks when it is too long.
func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if to.IsZero() {
		return errors.New("telegram: chat id required")
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
