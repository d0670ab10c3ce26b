package wire

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"
)

func TestClassifyClose(t *testing.T) {
	cases := []struct {
		code int
		want ReconnectAction
	}{
		{4000, ReconnectTerminal},
		{4050, ReconnectTerminal},
		{4099, ReconnectTerminal},
		{4100, ReconnectBackoff},
		{4150, ReconnectBackoff},
		{4199, ReconnectBackoff},
		{4200, ReconnectImmediate},
		{4250, ReconnectImmediate},
		{4299, ReconnectImmediate},
		{1006, ReconnectImmediate},
		{1000, ReconnectImmediate},
	}
	for _, tc := range cases {
		if got := ClassifyClose(tc.code); got != tc.want {
			t.Errorf("ClassifyClose(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 10; attempt++ {
		d := BackoffDelay(attempt, rng)
		if d < time.Second {
			t.Errorf("attempt %d: delay %v below 1s floor", attempt, d)
		}
		if d > maxBackoff {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, maxBackoff)
		}
	}
}

func TestBackoffDelay_CapsAtHighAttempts(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d := BackoffDelay(20, rng)
	if d != maxBackoff {
		t.Errorf("BackoffDelay(20) = %v, want capped at %v", d, maxBackoff)
	}
}

func TestUnmarshalData_StringEncoded(t *testing.T) {
	raw := json.RawMessage(`"{\"socket_id\":\"abc.123\",\"activity_timeout\":120}"`)
	var payload struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := unmarshalData(raw, &payload); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if payload.SocketID != "abc.123" || payload.ActivityTimeout != 120 {
		t.Errorf("got %+v", payload)
	}
}

func TestUnmarshalData_StructuredValue(t *testing.T) {
	raw := json.RawMessage(`{"socket_id":"xyz.456","activity_timeout":60}`)
	var payload struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := unmarshalData(raw, &payload); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if payload.SocketID != "xyz.456" || payload.ActivityTimeout != 60 {
		t.Errorf("got %+v", payload)
	}
}

func TestConfig_DialURL(t *testing.T) {
	cfg := Config{Host: "api.example.test:443", Key: "abc123", ClientID: "pnwsync", Version: "1.0"}
	got := cfg.dialURL()
	want := "wss://api.example.test:443/app/abc123?client=pnwsync&protocol=7&version=1.0"
	if got != want {
		t.Errorf("dialURL = %q, want %q", got, want)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{Event: "nation_update", Channel: "nation-updates", Data: json.RawMessage(`{"id":1}`)}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != f.Event || got.Channel != f.Channel {
		t.Errorf("got %+v, want %+v", got, f)
	}
}
