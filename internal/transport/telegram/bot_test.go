package telegram

import (
	"context"
	"testing"
	"time"

	logx "pricewatch/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("New with blank token = nil, want error")
	}
	b, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New offline: %v", err)
	}
	if b.Supervisor() != nil {
		t.Fatalf("Supervisor before Start = non-nil")
	}
}

func TestStopWithoutStart(t *testing.T) {
	b, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestSendTextHonorsCancelledContext(t *testing.T) {
	b, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.SendText(ctx, 1, "hi"); err != context.Canceled {
		t.Fatalf("SendText = %v, want context.Canceled", err)
	}
}
