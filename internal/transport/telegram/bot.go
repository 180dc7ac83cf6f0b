package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "pricewatch/internal/runtime/supervisor"
	logx "pricewatch/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // optional Bot API base, e.g. a local bot server
	PollTimeout time.Duration
	// Offline skips the getMe call at construction. Tests use it.
	Offline bool
}

// Bot wraps a telebot instance. SendText works without Start; Start adds
// the command surface.
type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	router  *Router
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Supervisor returns the poll supervisor, nil when not started.
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.sup
}

// Start begins long polling and routes text messages through r.
func (b *Bot) Start(ctx context.Context, r *Router) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.router = r
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.runMu.Unlock()

	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		reply, ok := r.Dispatch(sup.Context(), m.Chat.ID, m.Sender.ID, m.Text)
		if !ok || reply == "" {
			return nil
		}
		cctx, cancel := context.WithTimeout(sup.Context(), 15*time.Second)
		defer cancel()
		return b.SendText(cctx, m.Chat.ID, reply)
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It waits at most 2s (or ctx) for the long poll to return.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	was := b.running
	b.running = false
	b.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}

	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		b.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// SendText posts text to chatID, split into Telegram-sized chunks.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range SplitText(text, TextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}
