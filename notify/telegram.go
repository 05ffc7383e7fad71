// Package notify delivers operator notifications. Sending is asynchronous
// and best-effort: the trading loop never blocks on Telegram.
package notify

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"flowbot/config"
	"flowbot/logger"
)

// Notifier is the message sink used by the bot.
type Notifier interface {
	Notify(format string, args ...interface{})
	Close()
}

// Nop discards everything. Used when Telegram is disabled.
type Nop struct{}

func (Nop) Notify(string, ...interface{}) {}
func (Nop) Close()                        {}

const (
	queueCap    = 64
	minInterval = time.Second
)

// Telegram sends messages to a fixed chat through a background worker.
// Messages are dropped, with a log line, when the queue is full.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	queue  chan string
	done   chan struct{}
	closed sync.Once
}

// NewTelegram builds a notifier from config. Returns Nop when disabled so
// callers never branch on nil.
func NewTelegram(cfg config.TelegramConfig) (Notifier, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return Nop{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	t := &Telegram{
		bot:    bot,
		chatID: cfg.ChatID,
		queue:  make(chan string, queueCap),
		done:   make(chan struct{}),
	}
	go t.worker()
	logger.Infof("telegram notifier ready: @%s", bot.Self.UserName)
	return t, nil
}

// Notify enqueues a message. Never blocks.
func (t *Telegram) Notify(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	select {
	case t.queue <- msg:
	default:
		logger.Warnf("telegram queue full, dropping: %s", msg)
	}
}

// Close stops the worker after draining queued messages.
func (t *Telegram) Close() {
	t.closed.Do(func() { close(t.done) })
}

func (t *Telegram) worker() {
	var lastSend time.Time
	for {
		select {
		case <-t.done:
			// drain what is already queued
			for {
				select {
				case msg := <-t.queue:
					t.send(msg)
				default:
					return
				}
			}
		case msg := <-t.queue:
			if wait := minInterval - time.Since(lastSend); wait > 0 {
				time.Sleep(wait)
			}
			t.send(msg)
			lastSend = time.Now()
		}
	}
}

func (t *Telegram) send(text string) {
	m := tgbotapi.NewMessage(t.chatID, text)
	_, err := t.bot.Send(m)
	if err == nil {
		return
	}
	// rate limited: honor Retry-After once, then give up
	if apiErr, ok := err.(*tgbotapi.Error); ok && apiErr.RetryAfter > 0 {
		time.Sleep(time.Duration(apiErr.RetryAfter) * time.Second)
		if _, err = t.bot.Send(m); err == nil {
			return
		}
	}
	logger.Warnf("telegram send failed: %v", err)
}
