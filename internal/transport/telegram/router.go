package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	logx "pricewatch/pkg/logx"
)

// Request is one parsed command message.
type Request struct {
	ChatID  int64
	FromID  int64
	Command string
	Args    []string
	Raw     string
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Usage       string
	Description string
	Handle      HandlerFunc
}

// Router maps "/name" commands to handlers. Only owners are served.
type Router struct {
	owners  map[int64]struct{}
	cmds    map[string]Command
	log     logx.Logger
	timeout time.Duration
}

func NewRouter(owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		owners:  map[int64]struct{}{},
		cmds:    map[string]Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		timeout: 2 * time.Minute,
	}
	for _, id := range owners {
		r.owners[id] = struct{}{}
	}
	return r
}

func (r *Router) Register(c Command) {
	r.cmds[strings.ToLower(c.Name)] = c
}

// Dispatch runs the command in text. ok is false when the message is not a
// known command or the sender is not an owner.
func (r *Router) Dispatch(ctx context.Context, chatID, fromID int64, text string) (reply string, ok bool) {
	req, isCmd := parseCommand(text)
	if !isCmd {
		return "", false
	}
	req.ChatID, req.FromID = chatID, fromID
	if _, owner := r.owners[fromID]; !owner {
		r.log.Debug("command from non-owner ignored", logx.Int64("from_id", fromID), logx.String("cmd", req.Command))
		return "", false
	}
	var h HandlerFunc
	if req.Command == "help" || req.Command == "start" {
		h = func(context.Context, *Request) (string, error) { return r.help(), nil }
	} else if c, found := r.cmds[req.Command]; found {
		h = c.Handle
	} else {
		return "unknown command /" + req.Command + "\n\n" + r.help(), true
	}

	h = Chain(h, recoverMW(r.log), logMW(r.log), timeoutMW(r.timeout))
	out, err := h(ctx, req)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return out, true
}

func (r *Router) help() string {
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands:")
	for _, n := range names {
		c := r.cmds[n]
		b.WriteString("\n/")
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
	}
	return b.String()
}

// parseCommand splits "/cmd@bot a b" into its command and fields.
func parseCommand(text string) (*Request, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return nil, false
	}
	return &Request{Command: strings.ToLower(cmd), Args: fields[1:], Raw: text}, true
}

func timeoutMW(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func recoverMW(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out string, err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("panic recovered", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					out, err = "", fmt.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func logMW(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			out, err := next(ctx, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command ok", fields...)
			}
			return out, err
		}
	}
}
