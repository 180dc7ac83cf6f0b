package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"pricewatch/pkg/logx"
)

type sent struct {
	to  string // "" for the default channel
	msg Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeNotifier) SendDefault(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{msg: msg})
	return f.err
}

func (f *fakeNotifier) SendToRecipient(_ context.Context, msg Message, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: email, msg: msg})
	return f.err
}

func TestEvaluateDefaultChannel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		prev, cur float64
		want      bool
	}{
		{"drop", 100, 90, true},
		{"rise", 90, 100, false},
		{"equal", 90, 90, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Evaluate(Input{Name: "kettle", URL: "https://shop/1", Previous: tc.prev, Current: tc.cur})
			if got := out.Default != nil; got != tc.want {
				t.Fatalf("default fired = %v, want %v", got, tc.want)
			}
			if len(out.Recipients) != 0 {
				t.Fatalf("recipients = %v, want none", out.Recipients)
			}
		})
	}
}

func TestEvaluateThresholds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		threshold float64
		prev, cur float64
		wantKind  Kind
		wantFire  bool
	}{
		{"below threshold", 80, 100, 75, KindThreshold, true},
		{"dropped but above threshold", 80, 100, 85, KindThreshold, false},
		{"threshold even without drop", 80, 70, 75, KindThreshold, true},
		{"zero threshold follows drop", 0, 100, 90, KindDrop, true},
		{"zero threshold no drop", 0, 90, 95, KindDrop, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Evaluate(Input{
				Name: "kettle", URL: "https://shop/1",
				Previous: tc.prev, Current: tc.cur,
				Thresholds: map[string]float64{"a@example.com": tc.threshold},
			})
			if got := len(out.Recipients) == 1; got != tc.wantFire {
				t.Fatalf("recipient fired = %v, want %v (%+v)", got, tc.wantFire, out.Recipients)
			}
			if !tc.wantFire {
				return
			}
			d := out.Recipients[0]
			if d.Kind != tc.wantKind || d.Email != "a@example.com" {
				t.Fatalf("delivery = %+v", d)
			}
			wantSubject := SubjectDrop
			if tc.wantKind == KindThreshold {
				wantSubject = SubjectThreshold
			}
			if d.Message.Subject != wantSubject {
				t.Fatalf("subject = %q, want %q", d.Message.Subject, wantSubject)
			}
		})
	}
}

func TestDefaultFiresOnceWithManyRecipients(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	e := New(n, logx.Nop())
	out := e.Decide(context.Background(), Input{
		Name: "kettle", URL: "u", Previous: 100, Current: 90,
		Thresholds: map[string]float64{"a@example.com": 0, "b@example.com": 0, "c@example.com": 95},
	})
	if out.Fired() != 4 {
		t.Fatalf("Fired = %d, want 4", out.Fired())
	}
	defaults := 0
	for _, s := range n.sent {
		if s.to == "" {
			defaults++
		}
	}
	if defaults != 1 || len(n.sent) != 4 {
		t.Fatalf("sent = %d total, %d default; want 4 and 1", len(n.sent), defaults)
	}
}

func TestDecideLogsDeliveryErrors(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{err: errors.New("smtp down")}
	out := New(n, logx.Nop()).Decide(context.Background(), Input{Name: "k", URL: "u", Previous: 2, Current: 1})
	if out.Default == nil || len(n.sent) != 1 {
		t.Fatalf("delivery error must not change the outcome: %+v", out)
	}
}

func TestBodyInsufficientHistory(t *testing.T) {
	t.Parallel()
	out := Evaluate(Input{Name: "kettle", URL: "https://shop/1", Previous: 100, Current: 90, History: []float64{100}})
	if out.Default == nil {
		t.Fatalf("default did not fire")
	}
	// One prior observation gives avg = min = max.
	for _, body := range []string{out.Default.Text, out.Default.HTML} {
		if !strings.Contains(body, lineInsufficient) {
			t.Fatalf("body lacks insufficient-history line: %q", body)
		}
		if strings.Contains(body, "Average price") {
			t.Fatalf("body prints flat statistics: %q", body)
		}
	}
}

func TestBodyWithStatistics(t *testing.T) {
	t.Parallel()
	out := Evaluate(Input{Name: "kettle", URL: "https://shop/1", Previous: 120, Current: 90, History: []float64{100, 120}})
	text := out.Default.Text
	for _, want := range []string{"dropped from 120.00€ to 90.00€", "Average price: 110.00€", "Historical minimum: 100.00€",
		"Historical maximum: 120.00€", "Great time to buy!", "Buy now: https://shop/1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text body missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(out.Default.HTML, `href="https://shop/1"`) || !strings.Contains(out.Default.HTML, "click here</a>") {
		t.Fatalf("html body missing link: %s", out.Default.HTML)
	}
}

func TestHTMLBodyEscapesName(t *testing.T) {
	t.Parallel()
	out := Evaluate(Input{Name: "<script>x</script>", URL: "https://shop/1", Previous: 2, Current: 1})
	if strings.Contains(out.Default.HTML, "<script>") {
		t.Fatalf("html body not sanitised: %s", out.Default.HTML)
	}
}
