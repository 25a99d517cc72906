package main

import "testing"

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"much-too-long-for-this", 10, "much-too-…"},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.n); got != c.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestLimitLabel(t *testing.T) {
	if got := limitLabel(0); got != "unlimited" {
		t.Fatalf("zero limit: %q", got)
	}
	if got := limitLabel(-1); got != "unlimited" {
		t.Fatalf("negative limit: %q", got)
	}
	if got := limitLabel(12.5); got != "$12.50" {
		t.Fatalf("positive limit: %q", got)
	}
}
