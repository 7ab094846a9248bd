package kv

import "testing"

func TestNextServerID(t *testing.T) {
	tests := []struct {
		lastUsedID int
		want       int
	}{
		{lastUsedID: 0, want: 1},
		{lastUsedID: 1, want: 2},
		{lastUsedID: 41, want: 42},
	}

	for _, tt := range tests {
		if got := nextServerID(tt.lastUsedID); got != tt.want {
			t.Errorf("nextServerID(%d) = %d, want %d", tt.lastUsedID, got, tt.want)
		}
	}
}

func TestOwnsSession(t *testing.T) {
	tests := []struct {
		name        string
		pairSession string
		healthLease string
		want        bool
	}{
		{name: "matching session is owned", pairSession: "abc", healthLease: "abc", want: true},
		{name: "different session is not owned", pairSession: "abc", healthLease: "def", want: false},
		{name: "empty pair session is never owned", pairSession: "", healthLease: "", want: false},
		{name: "empty lease never matches a real session", pairSession: "abc", healthLease: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ownsSession(tt.pairSession, tt.healthLease); got != tt.want {
				t.Errorf("ownsSession(%q, %q) = %v, want %v", tt.pairSession, tt.healthLease, got, tt.want)
			}
		})
	}
}
