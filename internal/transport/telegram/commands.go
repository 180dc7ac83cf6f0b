package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/monitor"
	"pricewatch/internal/suggest"
	"pricewatch/internal/tracker"
)

// Monitor is the slice of monitor.Service the bot drives.
type Monitor interface {
	Items() []catalog.Item
	Item(name string) (catalog.Item, bool)
	Insight(name string) (suggest.Insight, error)
	Remaining(name string) (time.Duration, error)
	Add(ctx context.Context, req monitor.AddRequest) (monitor.Result, error)
	Remove(ctx context.Context, name string) error
	Refresh(ctx context.Context, name string) (tracker.Result, error)
	SetNotify(ctx context.Context, name string, on bool) (catalog.Item, error)
	Pause()
	Resume() error
	Paused() bool
	CleanHistory(ctx context.Context) (int, error)
	CleanRecipients(ctx context.Context) (int, error)
}

var errUsage = errors.New("bad arguments")

// RegisterCommands wires the item commands onto r.
func RegisterCommands(r *Router, mon Monitor) {
	h := &handlers{mon: mon}
	for _, c := range []Command{
		{Name: "list", Description: "tracked items", Handle: h.list},
		{Name: "show", Usage: "<name>", Description: "price, statistics and advice", Handle: h.show},
		{Name: "add", Usage: "<name> <url> [interval-seconds]", Description: "track a product", Handle: h.add},
		{Name: "remove", Usage: "<name>", Description: "stop tracking", Handle: h.remove},
		{Name: "check", Usage: "<name>", Description: "check the price now", Handle: h.check},
		{Name: "notify", Usage: "<name> on|off", Description: "toggle drop notifications", Handle: h.notify},
		{Name: "pause", Description: "stop every task", Handle: h.pause},
		{Name: "resume", Description: "restart every task", Handle: h.resume},
		{Name: "clean", Description: "drop orphan histories and unused recipients", Handle: h.clean},
	} {
		r.Register(c)
	}
}

type handlers struct {
	mon Monitor
}

func actorCtx(ctx context.Context, req *Request) context.Context {
	return monitor.WithActor(ctx, "telegram:"+strconv.FormatInt(req.FromID, 10))
}

func (h *handlers) list(_ context.Context, _ *Request) (string, error) {
	items := h.mon.Items()
	if len(items) == 0 {
		return "No items tracked.", nil
	}
	var b strings.Builder
	if h.mon.Paused() {
		b.WriteString("(paused)\n")
	}
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		left, _ := h.mon.Remaining(it.Name)
		fmt.Fprintf(&b, "%s: %s, next check in %s", it.Name, it.Price, left.Truncate(time.Second))
		if !it.Notify {
			b.WriteString(" [muted]")
		}
	}
	return b.String(), nil
}

// nameArg joins all args, so names with spaces work.
func nameArg(req *Request) (string, error) {
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		return "", fmt.Errorf("%w: usage /%s <name>", errUsage, req.Command)
	}
	return name, nil
}

func (h *handlers) show(_ context.Context, req *Request) (string, error) {
	name, err := nameArg(req)
	if err != nil {
		return "", err
	}
	it, ok := h.mon.Item(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", catalog.ErrNotFound, catalog.NormalizeName(name))
	}
	ins, err := h.mon.Insight(name)
	if err != nil {
		return "", err
	}
	left, _ := h.mon.Remaining(name)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\nPrice: %s\n", it.Name, it.URL, it.Price)
	fmt.Fprintf(&b, "Average: %s, min: %s, max: %s\n",
		catalog.FormatAmount(ins.Stats.Average), catalog.FormatAmount(ins.Stats.Minimum), catalog.FormatAmount(ins.Stats.Maximum))
	fmt.Fprintf(&b, "%s\n", ins.Suggestion.Text)
	fmt.Fprintf(&b, "Notify: %t, every %s, next check in %s", it.Notify, it.Interval(), left.Truncate(time.Second))
	for _, email := range sortedEmails(it) {
		fmt.Fprintf(&b, "\n  %s: %s", email, thresholdLabel(it.Thresholds[email]))
	}
	return b.String(), nil
}

func thresholdLabel(v float64) string {
	if v == 0 {
		return "any drop"
	}
	return "below " + catalog.FormatAmount(v)
}

func sortedEmails(it catalog.Item) []string {
	emails := it.Emails()
	sort.Strings(emails)
	return emails
}

// add parses "<name words...> <url> [seconds]".
func (h *handlers) add(ctx context.Context, req *Request) (string, error) {
	urlAt := -1
	for i, a := range req.Args {
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			urlAt = i
			break
		}
	}
	if urlAt < 1 || len(req.Args) > urlAt+2 {
		return "", fmt.Errorf("%w: usage /add <name> <url> [interval-seconds]", errUsage)
	}
	ar := monitor.AddRequest{
		Name:   strings.Join(req.Args[:urlAt], " "),
		URL:    req.Args[urlAt],
		Notify: true,
	}
	if len(req.Args) == urlAt+2 {
		n, err := strconv.Atoi(req.Args[urlAt+1])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%w: interval must be a positive number of seconds", errUsage)
		}
		ar.IntervalSeconds = n
	}
	res, err := h.mon.Add(actorCtx(ctx, req), ar)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("Tracking %s at %s, every %s.", res.Item.Name, res.Item.Price, res.Item.Interval())
	for _, w := range res.Warnings {
		out += "\nwarning: " + w
	}
	return out, nil
}

func (h *handlers) remove(ctx context.Context, req *Request) (string, error) {
	name, err := nameArg(req)
	if err != nil {
		return "", err
	}
	if err := h.mon.Remove(actorCtx(ctx, req), name); err != nil {
		return "", err
	}
	return "Removed " + catalog.NormalizeName(name) + ".", nil
}

func (h *handlers) check(ctx context.Context, req *Request) (string, error) {
	name, err := nameArg(req)
	if err != nil {
		return "", err
	}
	res, err := h.mon.Refresh(ctx, name)
	if err != nil {
		return "", err
	}
	if !res.Price.IsKnown() {
		return res.Name + ": price unavailable right now.", nil
	}
	out := fmt.Sprintf("%s: %s (was %s)", res.Name, res.Price, res.Previous)
	if res.Fired > 0 {
		out += fmt.Sprintf(", %d notification(s) sent", res.Fired)
	}
	return out, nil
}

func (h *handlers) notify(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", fmt.Errorf("%w: usage /notify <name> on|off", errUsage)
	}
	last := strings.ToLower(req.Args[len(req.Args)-1])
	var on bool
	switch last {
	case "on":
		on = true
	case "off":
	default:
		return "", fmt.Errorf("%w: usage /notify <name> on|off", errUsage)
	}
	name := strings.Join(req.Args[:len(req.Args)-1], " ")
	it, err := h.mon.SetNotify(actorCtx(ctx, req), name, on)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Notifications for %s: %s.", it.Name, last), nil
}

func (h *handlers) pause(context.Context, *Request) (string, error) {
	h.mon.Pause()
	return "Tracking paused.", nil
}

func (h *handlers) resume(context.Context, *Request) (string, error) {
	if err := h.mon.Resume(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Tracking resumed for %d item(s).", len(h.mon.Items())), nil
}

func (h *handlers) clean(ctx context.Context, req *Request) (string, error) {
	hist, err := h.mon.CleanHistory(actorCtx(ctx, req))
	if err != nil {
		return "", err
	}
	rec, err := h.mon.CleanRecipients(actorCtx(ctx, req))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %d orphan histories and %d unused recipients.", hist, rec), nil
}
