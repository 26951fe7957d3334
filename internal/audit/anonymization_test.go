package audit

import "testing"

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"standard IPv4", "192.168.1.100", "192.168.1.0"},
		{"IPv4 last octet already 0", "10.0.0.0", "10.0.0.0"},
		{"public IPv4", "203.0.113.195", "203.0.113.0"},
		{"IPv4-mapped IPv6", "::ffff:198.51.100.7", "198.51.100.0"},
		{"expanded IPv6", "2001:0db8:85a3:0000:0000:8a2e:0370:7334", "2001:db8:85a3::"},
		{"compressed IPv6", "2001:db8:85a3::8a2e:370:7334", "2001:db8:85a3::"},
		{"loopback IPv6", "::1", "::"},
		{"empty", "", ""},
		{"garbage", "not-an-ip", ""},
		{"partial IPv4", "192.168.1", ""},
		{"too many octets", "192.168.1.1.1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AnonymizeIP(tt.input); got != tt.want {
				t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
