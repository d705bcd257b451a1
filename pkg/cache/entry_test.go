package cache

import (
	"testing"
	"time"
)

func TestEntry_IsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "expired entry",
			expiresAt: now.Add(-1 * time.Hour),
			want:      true,
		},
		{
			name:      "valid entry",
			expiresAt: now.Add(1 * time.Hour),
			want:      false,
		},
		{
			name:      "expires exactly now",
			expiresAt: now,
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{ExpiresAt: tt.expiresAt}
			if got := entry.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{
			name:      "one hour remaining",
			expiresAt: now.Add(1 * time.Hour),
			want:      time.Hour,
		},
		{
			name:      "already expired",
			expiresAt: now.Add(-1 * time.Hour),
			want:      0,
		},
		{
			name:      "5 minutes remaining",
			expiresAt: now.Add(5 * time.Minute),
			want:      5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{ExpiresAt: tt.expiresAt}
			if got := entry.TTL(now); got != tt.want {
				t.Errorf("TTL() = %v, want %v", got, tt.want)
			}
		})
	}
}
