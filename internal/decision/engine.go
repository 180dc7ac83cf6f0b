// Package decision decides which price-drop notifications fire for a check
// cycle and builds their content.
package decision

import (
	"context"
	"sort"

	"pricewatch/internal/suggest"
	"pricewatch/pkg/logx"
)

const (
	SubjectDrop      = "Price dropped!"
	SubjectThreshold = "Price below your threshold!"
)

type Kind int

const (
	// KindDrop is a notification caused by current < previous.
	KindDrop Kind = iota
	// KindThreshold is a notification caused by current < recipient threshold.
	KindThreshold
)

func (k Kind) String() string {
	if k == KindThreshold {
		return "threshold"
	}
	return "drop"
}

// Message is the content of one notification. Text goes to chat channels,
// HTML to email.
type Message struct {
	Subject string
	Text    string
	HTML    string
	// Image is a local picture of the item, embedded in emails when readable.
	Image string
}

// Notifier delivers messages. Both calls are fire-and-forget: an error means
// the message could not be handed over and is only logged.
type Notifier interface {
	SendDefault(ctx context.Context, msg Message) error
	SendToRecipient(ctx context.Context, msg Message, email string) error
}

// Input describes one observed price against the previously recorded one.
type Input struct {
	Name     string
	URL      string
	Previous float64
	Current  float64
	// Thresholds maps recipient email to a ceiling; 0 means compare to Previous.
	Thresholds map[string]float64
	// History holds the known prices recorded before Current.
	History []float64
	Image   string
}

// Delivery is a message addressed to one recipient.
type Delivery struct {
	Email   string
	Kind    Kind
	Compare float64
	Message Message
}

// Outcome lists everything that fires for an Input.
type Outcome struct {
	Default    *Message
	Recipients []Delivery
	Insight    suggest.Insight
}

// Fired counts the notifications in the outcome.
func (o Outcome) Fired() int {
	n := len(o.Recipients)
	if o.Default != nil {
		n++
	}
	return n
}

// Evaluate is the pure decision: the default channel fires once on a strict
// decrease; each recipient fires when current is below its threshold, or
// below previous when the threshold is zero.
func Evaluate(in Input) Outcome {
	cur := in.Current
	st := suggest.Compute(in.History, cur)
	insight := suggest.Insight{Stats: st, Suggestion: suggest.Suggest(in.History, knownPrice(cur), st)}
	out := Outcome{Insight: insight}

	if cur < in.Previous {
		msg := dropMessage(in, insight)
		out.Default = &msg
	}

	emails := make([]string, 0, len(in.Thresholds))
	for email := range in.Thresholds {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	for _, email := range emails {
		th := in.Thresholds[email]
		d := Delivery{Email: email, Kind: KindDrop, Compare: in.Previous}
		if th != 0 {
			d.Kind = KindThreshold
			d.Compare = th
		}
		if !(cur < d.Compare) {
			continue
		}
		if d.Kind == KindThreshold {
			d.Message = thresholdMessage(in, th, insight)
		} else {
			d.Message = dropMessage(in, insight)
		}
		out.Recipients = append(out.Recipients, d)
	}
	return out
}

// Engine evaluates inputs and hands the fired messages to a Notifier.
type Engine struct {
	notifier Notifier
	log      logx.Logger
}

func New(n Notifier, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{notifier: n, log: log.With(logx.String("comp", "decision"))}
}

// Decide evaluates in and dispatches the result. Delivery errors are logged.
func (e *Engine) Decide(ctx context.Context, in Input) Outcome {
	out := Evaluate(in)
	if e.notifier == nil {
		return out
	}
	if out.Default != nil {
		if err := e.notifier.SendDefault(ctx, *out.Default); err != nil {
			e.log.Error("default notification not sent", logx.String("item", in.Name), logx.Err(err))
		}
	}
	for _, d := range out.Recipients {
		if err := e.notifier.SendToRecipient(ctx, d.Message, d.Email); err != nil {
			e.log.Error("recipient notification not sent",
				logx.String("item", in.Name), logx.String("to", d.Email), logx.String("kind", d.Kind.String()), logx.Err(err))
		}
	}
	if n := out.Fired(); n > 0 {
		e.log.Info("notifications fired", logx.String("item", in.Name), logx.Int("count", n),
			logx.Float64("previous", in.Previous), logx.Float64("current", in.Current))
	}
	return out
}
