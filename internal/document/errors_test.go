package document

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageFormat(t *testing.T) {
	e := NewError(ErrRateLimited, "too many requests", nil)
	if e.Error() != "too many requests" {
		t.Errorf("Error() = %q", e.Error())
	}
	e = NewErrorWithDetails(ErrConfigInvalid, "failed to parse config file", "/etc/app.yaml", nil)
	if e.Error() != "failed to parse config file: /etc/app.yaml" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := NewError(ErrEndpointTransient, "upstream 503", errors.New("http 503"))
	wrapped := fmt.Errorf("translate batch: %w", inner)

	kind, ok := KindOf(wrapped)
	if !ok || kind != ErrEndpointTransient {
		t.Errorf("KindOf = %v, %v", kind, ok)
	}
	if !IsKind(wrapped, ErrEndpointTransient) {
		t.Error("IsKind should see through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, ErrRateLimited) {
		t.Error("IsKind matched the wrong kind")
	}
	if IsKind(errors.New("plain"), ErrRateLimited) {
		t.Error("plain errors have no kind")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewError(ErrEndpointUnreachable, "endpoint down", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestBlockErrorCarriesBlockID(t *testing.T) {
	e := NewBlockError(ErrImagePreservation, "asset missing", "blk_42", nil)
	if e.BlockID != "blk_42" {
		t.Errorf("BlockID = %q", e.BlockID)
	}
	if !IsKind(e, ErrImagePreservation) {
		t.Error("kind lost")
	}
}
