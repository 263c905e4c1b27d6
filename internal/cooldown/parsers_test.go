package cooldown

import (
	"testing"
	"time"
)

func TestRegisterDefaultParsers(t *testing.T) {
	t.Parallel()

	m := &Manager{parsers: map[string]Parser{}}
	m.RegisterDefaultParsers()

	tests := []struct {
		name         string
		providerType string
		body         string
		want         time.Duration
	}{
		{name: "anthropic", providerType: "messages", body: `{"error":{"retry_after_seconds":30}}`, want: 30 * time.Second},
		{name: "openai", providerType: "chat", body: `{"error":{"retry_after":12}}`, want: 12 * time.Second},
		{name: "gemini", providerType: "gemini", body: `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"45s"}]}}`, want: 45 * time.Second},
		{name: "naga", providerType: "naga", body: `{"retry_after_ms":1500}`, want: 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.ParseCooldownDuration(tt.providerType, []byte(tt.body))
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCooldownDurationUnknownProviderType(t *testing.T) {
	t.Parallel()

	m := &Manager{parsers: map[string]Parser{}}
	m.RegisterDefaultParsers()

	if got := m.ParseCooldownDuration("unregistered", []byte(`{"error":{"retry_after_seconds":30}}`)); got != 0 {
		t.Errorf("got %v, want 0 for unregistered provider type", got)
	}
}
