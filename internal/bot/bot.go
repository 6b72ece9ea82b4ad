// Package bot is the Telegram-facing command surface. It owns the
// multi-step conversations (/follow, /update) and translates chat
// updates into discrete calls on the watch service; no monitor state
// lives here beyond in-flight conversation context.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"pagewatch/internal/fetch"
	"pagewatch/internal/page"
	"pagewatch/internal/storage"
	kit "pagewatch/internal/transport"
	"pagewatch/internal/watch"
	"pagewatch/pkg/logx"
)

const welcomeText = `👋 Welcome to pagewatch!

I can monitor webpages for you and notify you when they change.

Commands:
/follow - Start monitoring a URL
/remove - Stop monitoring
/list - Show your monitored pages
/update - Change check frequency
/cancel - Abort the current operation`

type convState int

const (
	stateNone convState = iota
	stateFollowURL
	stateFollowInterval
	stateUpdateInterval
)

type conversation struct {
	state     convState
	url       string
	raw       string
	monitorID int64
}

type Service struct {
	adapter kit.Adapter
	watch   *watch.Service
	fetcher page.Fetcher
	log     logx.Logger

	mu    sync.Mutex
	convs map[int64]*conversation
}

func New(adapter kit.Adapter, w *watch.Service, fetcher page.Fetcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		adapter: adapter,
		watch:   w,
		fetcher: fetcher,
		log:     log,
		convs:   map[int64]*conversation{},
	}
}

// Commands is the menu registered with the chat platform on startup.
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Welcome message"},
		{Command: "follow", Description: "Track a URL"},
		{Command: "remove", Description: "Stop tracking"},
		{Command: "list", Description: "List tracked URLs"},
		{Command: "update", Description: "Update frequency"},
		{Command: "cancel", Description: "Cancel current operation"},
		{Command: "help", Description: "Show available commands"},
	}
}

// DispatchLoop consumes chat updates until ctx is done. Each update is
// handled inline; handlers are short except for the /follow
// verification fetch, which runs on its own goroutine so a slow site
// cannot stall the loop.
func (s *Service) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			s.handle(ctx, up)
		}
	}
}

func (s *Service) handle(ctx context.Context, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			s.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			s.handleCallback(ctx, up.Callback)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if strings.HasPrefix(text, "/") {
		cmd := strings.ToLower(strings.Fields(text)[0])
		// Strip bot-mention suffix (e.g. "/list@pagewatch_bot").
		if i := strings.Index(cmd, "@"); i > 0 {
			cmd = cmd[:i]
		}
		s.handleCommand(ctx, m, cmd)
		return
	}
	s.handleConversationInput(ctx, m, text)
}

func (s *Service) handleCommand(ctx context.Context, m *kit.Message, cmd string) {
	switch cmd {
	case "/start", "/help":
		s.clearConv(m.ChatID)
		s.reply(ctx, m.ChatID, welcomeText)
	case "/follow":
		s.setConv(m.ChatID, &conversation{state: stateFollowURL})
		s.reply(ctx, m.ChatID, "Please send me the URL you want to monitor (e.g. https://example.com).")
	case "/remove":
		s.clearConv(m.ChatID)
		s.sendMonitorKeyboard(ctx, m.ChatID, "rm",
			"Select a URL to stop monitoring:", "You have no active monitors to remove.")
	case "/update":
		s.clearConv(m.ChatID)
		s.sendMonitorKeyboard(ctx, m.ChatID, "up",
			"Select a URL to update:", "You have no active monitors to update.")
	case "/list":
		s.clearConv(m.ChatID)
		text, err := s.watch.ListMonitors(ctx, m.ChatID)
		if err != nil {
			s.replyError(ctx, m.ChatID, err)
			return
		}
		s.reply(ctx, m.ChatID, text)
	case "/cancel":
		s.clearConv(m.ChatID)
		s.reply(ctx, m.ChatID, "❌ Operation cancelled.")
	default:
		s.reply(ctx, m.ChatID, "Unknown command. Try /help.")
	}
}

func (s *Service) handleConversationInput(ctx context.Context, m *kit.Message, text string) {
	conv := s.conv(m.ChatID)
	if conv == nil {
		return
	}
	switch conv.state {
	case stateFollowURL:
		s.followURLInput(ctx, m.ChatID, conv, text)
	case stateFollowInterval:
		s.followIntervalInput(ctx, m.ChatID, conv, text)
	case stateUpdateInterval:
		s.updateIntervalInput(ctx, m.ChatID, conv, text)
	}
}

// followURLInput verifies reachability with a live fetch before asking
// for the interval; the fetched body later seeds the initial digest.
func (s *Service) followURLInput(ctx context.Context, chatID int64, conv *conversation, url string) {
	if err := fetch.ValidateURL(url); err != nil {
		s.reply(ctx, chatID, "❌ Invalid URL. Must start with http:// or https://\nPlease try again.")
		return
	}

	ref, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, fmt.Sprintf("🔍 Verifying %s...", url), nil)
	if err != nil {
		s.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}

	// Verification can take up to the fetch timeout; do it off the
	// dispatch loop.
	go func() {
		fctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		raw, err := s.fetcher.Fetch(fctx, url)
		if err != nil {
			s.log.Debug("verification fetch failed", logx.String("url", url), logx.Err(err))
			s.edit(ctx, ref, "❌ Could not fetch URL. Please check if it works and try again.")
			return
		}

		// The conversation may have been cancelled or replaced while the
		// fetch was in flight; only prompt if it actually advanced.
		s.mu.Lock()
		advanced := false
		if c, ok := s.convs[chatID]; ok && c == conv && c.state == stateFollowURL {
			c.url = url
			c.raw = raw
			c.state = stateFollowInterval
			advanced = true
		}
		s.mu.Unlock()
		if !advanced {
			s.log.Debug("verification finished for abandoned conversation", logx.Int64("chat_id", chatID))
			return
		}

		s.edit(ctx, ref, fmt.Sprintf("✅ URL verified: %s\n\nNow, please send me the check frequency in minutes (minimum %d).", url, storage.MinIntervalMinutes))
	}()
}

func (s *Service) followIntervalInput(ctx context.Context, chatID int64, conv *conversation, text string) {
	interval, ok := s.parseInterval(ctx, chatID, text)
	if !ok {
		return
	}
	confirmation, err := s.watch.CreateOrUpdateMonitor(ctx, chatID, conv.url, interval, conv.raw)
	if err != nil {
		s.replyError(ctx, chatID, err)
		return
	}
	s.clearConv(chatID)
	s.reply(ctx, chatID, confirmation)
}

func (s *Service) updateIntervalInput(ctx context.Context, chatID int64, conv *conversation, text string) {
	interval, ok := s.parseInterval(ctx, chatID, text)
	if !ok {
		return
	}
	confirmation, err := s.watch.UpdateInterval(ctx, chatID, conv.monitorID, interval)
	if err != nil {
		s.replyError(ctx, chatID, err)
		if errors.Is(err, watch.ErrNotFound) {
			s.clearConv(chatID)
		}
		return
	}
	s.clearConv(chatID)
	s.reply(ctx, chatID, confirmation)
}

// parseInterval re-prompts (and keeps the conversation open) on bad input.
func (s *Service) parseInterval(ctx context.Context, chatID int64, text string) (int, bool) {
	interval, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		s.reply(ctx, chatID, "❌ Please enter a valid number.")
		return 0, false
	}
	if interval < storage.MinIntervalMinutes {
		s.reply(ctx, chatID, fmt.Sprintf("❌ Minimum interval is %d minutes. Please try again.", storage.MinIntervalMinutes))
		return 0, false
	}
	return interval, true
}

func (s *Service) handleCallback(ctx context.Context, cb *kit.Callback) {
	_ = s.adapter.AnswerCallback(ctx, cb.ID, "")

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	monitorID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	switch action {
	case "rm":
		confirmation, err := s.watch.RemoveMonitor(ctx, cb.ChatID, monitorID)
		if err != nil {
			s.edit(ctx, ref, userMessage(err))
			return
		}
		s.edit(ctx, ref, confirmation)
	case "up":
		s.setConv(cb.ChatID, &conversation{state: stateUpdateInterval, monitorID: monitorID})
		s.edit(ctx, ref, fmt.Sprintf("Please enter the new frequency in minutes (min %d):", storage.MinIntervalMinutes))
	}
}

func (s *Service) sendMonitorKeyboard(ctx context.Context, chatID int64, action, prompt, emptyText string) {
	monitors, err := s.watch.ActiveMonitors(ctx, chatID)
	if err != nil {
		s.replyError(ctx, chatID, err)
		return
	}
	if len(monitors) == 0 {
		s.reply(ctx, chatID, emptyText)
		return
	}
	buttons := make([]kit.InlineButton, 0, len(monitors))
	for _, m := range monitors {
		buttons = append(buttons, kit.InlineButton{
			Text: fmt.Sprintf("%s (%dm)", m.URL, m.IntervalMinutes),
			Data: fmt.Sprintf("%s:%d", action, m.ID),
		})
	}
	_, err = s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, prompt,
		&kit.SendOptions{ReplyMarkup: s.adapter.Markup(buttons)})
	if err != nil {
		s.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// ---- conversation registry ----

func (s *Service) conv(chatID int64) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[chatID]
}

func (s *Service) setConv(chatID int64, c *conversation) {
	s.mu.Lock()
	s.convs[chatID] = c
	s.mu.Unlock()
}

func (s *Service) clearConv(chatID int64) {
	s.mu.Lock()
	delete(s.convs, chatID)
	s.mu.Unlock()
}

// ---- replies ----

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	_, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		s.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (s *Service) edit(ctx context.Context, ref kit.MessageRef, text string) {
	if ref.MessageID == 0 {
		s.reply(ctx, ref.ChatID, text)
		return
	}
	if err := s.adapter.EditText(ctx, ref, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("edit failed", logx.Int64("chat_id", ref.ChatID), logx.Err(err))
	}
}

func (s *Service) replyError(ctx context.Context, chatID int64, err error) {
	s.log.Warn("operation failed", logx.Int64("chat_id", chatID), logx.Err(err))
	s.reply(ctx, chatID, userMessage(err))
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, watch.ErrNotFound):
		return "❌ Monitor not found or already deleted."
	case errors.Is(err, storage.ErrIntervalTooShort):
		return fmt.Sprintf("❌ Minimum interval is %d minutes.", storage.MinIntervalMinutes)
	case errors.Is(err, fetch.ErrInvalidURL):
		return "❌ Invalid URL. Must start with http:// or https://"
	default:
		return "⚠️ Something went wrong. Please try again later."
	}
}
