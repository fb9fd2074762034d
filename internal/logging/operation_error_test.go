package logging

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewOperationError("pipeline.predict", "req-1", cause)

	if got, want := err.Error(), "pipeline.predict (request_id=req-1): boom"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}

	noID := NewOperationError("nifti.load", "", cause)
	if got, want := noID.Error(), "nifti.load: boom"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}
}

func TestOperationReturnsInnermost(t *testing.T) {
	inner := NewOperationError("repository.create_user", "", errors.New("locked"))
	outer := NewOperationError("usecase.signup", "req", fmt.Errorf("wrapped: %w", inner))

	op, ok := Operation(outer)
	if !ok {
		t.Fatal("expected an operation")
	}
	if op != "repository.create_user" {
		t.Fatalf("unexpected operation %q", op)
	}

	if _, ok := Operation(errors.New("plain")); ok {
		t.Fatal("plain errors carry no operation")
	}
}
