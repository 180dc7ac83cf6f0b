package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts a Go duration string ("90s", "30m") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func parseDuration(raw any) (time.Duration, error) {
	var v time.Duration
	switch x := raw.(type) {
	case float64:
		v = time.Duration(x * float64(time.Second))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			v = time.Duration(secs * float64(time.Second))
			break
		}
		pd, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", x, err)
		}
		v = pd
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %v", v)
	}
	return v, nil
}

// ChatID is a Telegram chat id given as a number or a numeric string.
type ChatID int64

func (c *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		if x != float64(int64(x)) {
			return fmt.Errorf("chat id %v is not an integer", x)
		}
		*c = ChatID(int64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			*c = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("chat id %q is not a number", x)
		}
		*c = ChatID(n)
	default:
		return fmt.Errorf("chat id %v is not a number", raw)
	}
	return nil
}
