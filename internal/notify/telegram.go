// Package notify delivers task-terminal notifications over the Telegram Bot
// API.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// TelegramConfig configures the notification bot.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
	// Proxy, when set, routes Bot API traffic through an HTTP proxy.
	Proxy string `mapstructure:"proxy"`
}

// Enabled reports whether the sender can be constructed.
func (c TelegramConfig) Enabled() bool {
	return c.Token != "" && c.ChatID != 0
}

// TelegramSender delivers plain-text messages to a single chat.
type TelegramSender struct {
	bot    *telego.Bot
	chatID int64
	logger *logger.Logger
}

// NewTelegramSender creates the sender.
func NewTelegramSender(cfg TelegramConfig, log *logger.Logger) (*TelegramSender, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{
		bot:    bot,
		chatID: cfg.ChatID,
		logger: log.WithFields(zap.String("component", "telegram-notify")),
	}, nil
}

// retryAfterPattern matches the Bot API's flood-control error text.
var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// RateLimitedError carries the server-requested delay.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter returns the delay the Bot API asked for.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

// Send delivers one message to the configured chat.
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	_, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(s.chatID), text))
	if err == nil {
		return nil
	}

	if m := retryAfterPattern.FindStringSubmatch(err.Error()); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &RateLimitedError{After: time.Duration(secs) * time.Second, Err: err}
		}
	}
	return fmt.Errorf("telegram send failed: %w", err)
}
