package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

type fakeCleaner struct {
	history    atomic.Int32
	recipients atomic.Int32
	snaps      atomic.Int32
	snapErr    error
}

func (f *fakeCleaner) CleanHistory(context.Context) (int, error) {
	f.history.Add(1)
	return 2, nil
}

func (f *fakeCleaner) CleanRecipients(context.Context) (int, error) {
	f.recipients.Add(1)
	return 1, nil
}

func (f *fakeCleaner) SaveAll(context.Context) error {
	f.snaps.Add(1)
	return f.snapErr
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		wantNil bool
		wantErr bool
	}{
		{"", true, false},
		{"0 3 * * *", false, false},
		{"*/30 * * * * *", false, false},
		{"@daily", false, false},
		{"@every 6h", false, false},
		{"6h", false, false},
		{"500ms", false, true},
		{"soon", false, true},
		{"61 * * * *", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sched, err := ParseSchedule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSchedule(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && (sched == nil) != tt.wantNil {
				t.Fatalf("ParseSchedule(%q) nil = %v, want %v", tt.in, sched == nil, tt.wantNil)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(Config{Timezone: "Europe/Rome", HistorySchedule: "@weekly"}); err != nil {
		t.Fatalf("Validate = %v, want nil", err)
	}
	err := Validate(Config{RecipientsSchedule: "bogus"})
	if err == nil || !strings.Contains(err.Error(), "maintenance.recipients_schedule") {
		t.Fatalf("Validate = %v, want recipients_schedule error", err)
	}
	if err := Validate(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatalf("Validate bad tz = nil, want error")
	}
}

func TestRunNow(t *testing.T) {
	f := &fakeCleaner{snapErr: errors.New("disk full")}
	s := New(Config{}, f, f, logx.Nop(), nil)

	if n, err := s.RunNow(context.Background(), JobHistory); n != 2 || err != nil {
		t.Fatalf("RunNow history = %d %v", n, err)
	}
	if n, err := s.RunNow(context.Background(), JobRecipients); n != 1 || err != nil {
		t.Fatalf("RunNow recipients = %d %v", n, err)
	}
	if _, err := s.RunNow(context.Background(), JobSnapshot); err == nil || err.Error() != "disk full" {
		t.Fatalf("RunNow snapshot = %v, want disk full", err)
	}
	if _, err := s.RunNow(context.Background(), "vacuum"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow unknown = %v, want ErrUnknownJob", err)
	}
}

func TestScheduledJobsRunAndPublish(t *testing.T) {
	f := &fakeCleaner{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true, HistorySchedule: "@every 1s", SnapshotSchedule: "1s"}, f, f, logx.Nop(), bus)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if got := s.Entries(); len(got) != 2 || got[0].Job != JobHistory || got[1].Job != JobSnapshot {
		t.Fatalf("Entries = %+v, want history and snapshot", got)
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !(seen[JobHistory] && seen[JobSnapshot]) {
		select {
		case ev := <-events:
			if ev.Type != EventJobRun {
				continue
			}
			seen[ev.Data.(RunEvent).Job] = true
		case <-deadline:
			t.Fatalf("jobs seen = %v, want history and snapshot", seen)
		}
	}
	if f.recipients.Load() != 0 {
		t.Fatalf("recipients runs = %d, want 0 (no schedule)", f.recipients.Load())
	}
}

func TestDisabledAndApply(t *testing.T) {
	f := &fakeCleaner{}
	s := New(Config{Enabled: false, HistorySchedule: "@hourly"}, f, f, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Entries(); got != nil {
		t.Fatalf("Entries disabled = %+v, want nil", got)
	}

	if err := s.Apply(Config{Enabled: true, RecipientsSchedule: "@daily"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := s.Entries(); len(got) != 1 || got[0].Job != JobRecipients || got[0].Next.IsZero() {
		t.Fatalf("Entries after Apply = %+v", got)
	}
	if err := s.Apply(Config{Enabled: true, HistorySchedule: "nope"}); err == nil {
		t.Fatalf("Apply invalid = nil, want error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := s.Entries(); got != nil {
		t.Fatalf("Entries after Stop = %+v, want nil", got)
	}
}
