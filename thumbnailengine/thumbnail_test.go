package thumbnailengine

import (
	"errors"
	"testing"
)

func TestClassifyErrorPrefersKindedError(t *testing.T) {
	err := kindedf(ErrorKindPathRejected, "path escapes root")
	if got := ClassifyError(err); got != ErrorKindPathRejected {
		t.Fatalf("expected %s, got %s", ErrorKindPathRejected, got)
	}
}

func TestClassifyErrorFallsBackToSubstringAtBoundary(t *testing.T) {
	cases := map[string]ErrorKind{
		"ffmpeg frame extraction failed": ErrorKindFFmpegFailed,
		"path escapes library root":      ErrorKindPathRejected,
		"failed to decode source image":  ErrorKindDecodeFailed,
		"disk is full":                   ErrorKindGenerationFailed,
	}
	for message, want := range cases {
		if got := ClassifyError(errors.New(message)); got != want {
			t.Errorf("message %q: expected %s, got %s", message, want, got)
		}
	}
}

func TestTruncateMessageLeavesShortMessagesAlone(t *testing.T) {
	if got := truncateMessage("short", 10); got != "short" {
		t.Fatalf("expected unchanged short message, got %q", got)
	}
}

func TestTruncateMessageAddsMarkerWhenTooLong(t *testing.T) {
	got := truncateMessage("0123456789abcdef", 8)
	want := "01234567...(truncated)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
