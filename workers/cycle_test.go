package workers

import "testing"

// Ports the embedded Rust test idle_backoff_is_bounded_and_monotonic.
func TestNextIdleBackoffSecondsIsBoundedAndMonotonic(t *testing.T) {
	base, max := 5, 20
	cases := []struct{ current, want int }{
		{5, 10},
		{10, 20},
		{20, 20},
		{30, 20},
	}
	for _, c := range cases {
		if got := NextIdleBackoffSeconds(c.current, base, max); got != c.want {
			t.Errorf("NextIdleBackoffSeconds(%d, %d, %d) = %d, want %d", c.current, base, max, got, c.want)
		}
	}
}

func TestRetryDelaySecondsCapsAtMax(t *testing.T) {
	if got := retryDelaySeconds(1, 60, 1); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := retryDelaySeconds(1, 60, 20); got != 60 {
		t.Fatalf("expected capped delay of 60, got %d", got)
	}
}

func TestCycleSanitizeErrorMessageReplacesRootsAndTruncates(t *testing.T) {
	c := &Cycle{cfg: Config{LibrariesRootReal: "/real/libs", ThumbsRootReal: "/real/thumbs"}}
	got := c.sanitizeErrorMessage("failed to read /real/libs/a.jpg and /real/thumbs/x.jpg")
	want := "failed to read /libraries/a.jpg and /state/thumbs/x.jpg"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	long := c.sanitizeErrorMessage(string(make([]byte, 2000)))
	if len([]rune(long)) != 1024+len("...(truncated)") {
		t.Fatalf("expected truncated message, got length %d", len([]rune(long)))
	}
}
