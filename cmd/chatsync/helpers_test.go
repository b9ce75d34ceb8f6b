package main

import "testing"

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", ""},
		{"x", "..."},
		{"abcd", "..."},
		{"abcdef", "ab..."},
		{"abcdefghijklmnopqrstuvwxyz", "abcdefgh...wxyz"},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			if got := maskToken(tt.token); got != tt.want {
				t.Errorf("maskToken(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}
