package xerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("file missing")
	err := New(ConfigInvalid, "Load", base)
	wrapped := fmt.Errorf("startup: %w", err)

	if !Is(wrapped, ConfigInvalid) {
		t.Error("expected wrapped error to match ConfigInvalid")
	}
	if Is(wrapped, ZoneInvalid) {
		t.Error("did not expect wrapped error to match ZoneInvalid")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(VideoReadFailed, "Capture", errors.New("eof"))
	got := err.Error()
	if got == "" {
		t.Fatal("expected non-empty error message")
	}
	if !strings.Contains(got, "eof") {
		t.Errorf("expected error message %q to include cause %q", got, "eof")
	}
	if !errors.Is(err, err) {
		t.Error("expected self-equality via errors.Is")
	}
}
