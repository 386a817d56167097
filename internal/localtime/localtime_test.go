package localtime

import (
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	at := time.Date(2025, time.December, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		zone string
		want string
	}{
		{"seoul", "Asia/Seoul", "12/24 21:00"},
		{"utc region", "Etc/UTC", "12/24 12:00"},
		{"unknown falls back to default", "Mars/Olympus", "12/24 21:00"},
		{"empty falls back to default", "", "12/24 21:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(at, tt.zone); got != tt.want {
				t.Fatalf("Format(%q) = %q, want %q", tt.zone, got, tt.want)
			}
		})
	}

	if got := Format(time.Time{}, "Asia/Seoul"); got != "" {
		t.Fatalf("zero time should render empty, got %q", got)
	}
}

func TestValid(t *testing.T) {
	for zone, want := range map[string]bool{
		"Europe/Moscow": true,
		"Asia/Seoul":    true,
		"UTC":           false,
		"":              false,
		"Nowhere/Land":  false,
	} {
		if got := Valid(zone); got != want {
			t.Errorf("Valid(%q) = %v, want %v", zone, got, want)
		}
	}
}
