package apperr

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFollowsWrapChain(t *testing.T) {
	base := NotFound("version")
	wrapped := fmt.Errorf("load room seed: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("KindOf() = %q, want %q", got, KindNotFound)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatal("expected Is(NotFound) to be true")
	}
	if Is(wrapped, KindForbidden) {
		t.Fatal("expected Is(Forbidden) to be false")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("expected empty kind for plain error")
	}
}

func TestStorageKeepsCause(t *testing.T) {
	err := Storage(sql.ErrConnDone, "append version")
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatal("expected storage error to unwrap to its cause")
	}
	if err.PublicCode() != string(KindStorageFailure) {
		t.Fatalf("unexpected public code %q", err.PublicCode())
	}
}

func TestWithCodeOverridesPublicCode(t *testing.T) {
	err := WithCode(KindValidation, "LINE_OUT_OF_ORDER", "endLine must be >= line", map[string]int{"line": 3})
	if err.PublicCode() != "LINE_OUT_OF_ORDER" {
		t.Fatalf("unexpected code %q", err.PublicCode())
	}
	if err.Error() != "LINE_OUT_OF_ORDER: endLine must be >= line" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
