// Package notifier delivers outbound chat messages, best-effort.
package notifier

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "pagewatch/internal/transport"
	"pagewatch/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends to stay under chat API limits.
	RatePerSec int // default 20
}

// Service sends notifications through the chat adapter. Delivery
// failures are logged and swallowed; callers never block on them.
type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Service{
		adapter: adapter,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Notify sends text to the user's chat. The returned error is for
// logging at call sites that want it; failures are already logged here
// and must not abort the caller's work.
func (s *Service) Notify(ctx context.Context, userID int64, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	_, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("chat_id", userID), logx.Err(err))
		return err
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", userID))
	return nil
}
