package loopback

import (
	"testing"
	"time"
)

func TestParseDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"12.4 ms", 12400 * time.Microsecond},
		{"383.000 frames      7.979 ms total roundtrip latency", 7979 * time.Microsecond},
		{"850us", 850 * time.Microsecond},
		{"850 µs", 850 * time.Microsecond},
		{"0.012 s", 12 * time.Millisecond},
		{"signal below threshold...\n  400.250 frames  8.339 ms total roundtrip latency\n  401.000 frames  8.354 ms total roundtrip latency\n", 8354 * time.Microsecond},
	}
	for _, tc := range cases {
		got, err := ParseDelay(tc.in)
		if err != nil {
			t.Fatalf("ParseDelay(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDelay(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseDelay_Unparseable(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "Signal below threshold...", "12.4 parsecs", "ms"} {
		if _, err := ParseDelay(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
