package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 256
	chatMessageMax  = 3500
	chatValueMax    = 600
	chatStackMax    = 900
	chatSendTimeout = 10 * time.Second
)

// chatSink forwards records at or above minLevel to one chat. Fields other
// than queue are guarded by Service.mu.
type chatSink struct {
	queue chan chatLine

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sender   ChatSender
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type chatLine struct {
	chatID int64
	text   string
}

// startChatLocked starts the delivery worker once. Callers hold s.mu.
func (s *Service) startChatLocked() {
	s.chat.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.chat.cancel = cancel
		s.chat.wg.Add(1)
		go func() {
			defer s.chat.wg.Done()
			s.deliverChat(ctx)
		}()
	})
}

func (s *Service) stopChat() {
	s.mu.Lock()
	cancel := s.chat.cancel
	s.chat.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.chat.wg.Wait()
	}
}

func (s *Service) deliverChat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.chat.queue:
			s.mu.Lock()
			sender := s.chat.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sender.SendText(sctx, line.chatID, line.text)
			cancel()
		}
	}
}

// chatWriter is the zerolog sink side. It never blocks logging: records are
// dropped when the limiter or the queue says no.
type chatWriter struct{ svc *Service }

func (w chatWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.InfoLevel, p) }

func (w chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	chatID, sender, lim, minLevel := s.chat.chatID, s.chat.sender, s.chat.limiter, s.chat.minLevel
	s.mu.Unlock()

	if chatID == 0 || sender == nil || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.chat.queue <- chatLine{chatID: chatID, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatLine renders one JSON record as
//
//	[WARN] price fetch failed (tv box)
//	- err=timeout
//
// with the remaining fields sorted by key. time and caller are dropped.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatMessageMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)
	if name, _ := m["name"].(string); name != "" {
		b.WriteString(" (" + name + ")")
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "caller", "name":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(m[k]), chatStackMax))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), chatValueMax))
	}
	return truncate(b.String(), chatMessageMax)
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
