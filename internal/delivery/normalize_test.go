package delivery

import "testing"

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"local with leading zero", "0501234567", "972501234567@c.us"},
		{"already international", "972501234567", "972501234567@c.us"},
		{"formatted local", "050-123-4567", "972501234567@c.us"},
		{"formatted with spaces", "050 123 4567", "972501234567@c.us"},
		{"plus prefix", "+972501234567", "972501234567@c.us"},
		{"bare national number", "501234567", "972501234567@c.us"},
		{"already a chat address", "972501234567@c.us", "972501234567@c.us"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeAddress(tt.raw, "972", "@c.us")
			if got != tt.want {
				t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
