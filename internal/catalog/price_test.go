package catalog

import (
	"encoding/json"
	"testing"
)

func TestPriceJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Price
	}{
		{"number", `12.5`, Known(12.5)},
		{"integer", `90`, Known(90)},
		{"zero", `0`, Known(0)},
		{"null", `null`, Unavailable()},
		{"legacy placeholder", `"Aggiorna o verifica l'URL: - "`, Unavailable()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got Price
			if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Unmarshal(%s) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}

	if _, err := json.Marshal(Known(1)); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var bad Price
	if err := json.Unmarshal([]byte(`{"v":1}`), &bad); err == nil {
		t.Fatalf("Unmarshal(object) err = nil, want error")
	}
}

func TestPriceZeroIsDistinctFromUnavailable(t *testing.T) {
	b, _ := json.Marshal(struct {
		A Price `json:"a"`
		B Price `json:"b"`
	}{Known(0), Unavailable()})
	if string(b) != `{"a":0,"b":null}` {
		t.Fatalf("Marshal = %s", b)
	}
}

func TestPriceOrdering(t *testing.T) {
	if !Known(1).Before(Known(2)) || Known(2).Before(Known(1)) {
		t.Fatalf("known ordering broken")
	}
	if !Known(1000).Before(Unavailable()) || Unavailable().Before(Known(1)) {
		t.Fatalf("unavailable should sort last")
	}
	if Unavailable().Below(10) {
		t.Fatalf("Unavailable().Below(10) = true, want false")
	}
	if got := Known(9.5).String(); got != "9.50€" {
		t.Fatalf("String() = %q, want 9.50€", got)
	}
}
