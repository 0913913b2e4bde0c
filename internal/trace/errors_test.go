package trace

import (
	"errors"
	"fmt"
	"testing"
)

func TestStorageErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")

	var writeErr *StorageWriteError
	err := NewStorageWrite("insert traces", cause)
	if !errors.As(err, &writeErr) {
		t.Fatalf("NewStorageWrite did not produce a StorageWriteError: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("StorageWriteError does not unwrap to its cause")
	}

	var readErr *StorageReadError
	err = NewStorageRead("get session", cause)
	if !errors.As(err, &readErr) {
		t.Fatalf("NewStorageRead did not produce a StorageReadError: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("StorageReadError does not unwrap to its cause")
	}
}

func TestStorageErrorHelpersNilPassthrough(t *testing.T) {
	if NewStorageWrite("op", nil) != nil {
		t.Error("NewStorageWrite(nil) should be nil")
	}
	if NewStorageRead("op", nil) != nil {
		t.Error("NewStorageRead(nil) should be nil")
	}
}

func TestReplayNotAllowedErrorMessage(t *testing.T) {
	err := &ReplayNotAllowedError{SessionID: "s-1", Reason: "session is still running"}
	want := "replay not allowed for session s-1: session is still running"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestInvalidQueryErrorMessage(t *testing.T) {
	err := &InvalidQueryError{Field: "date_from", Reason: "must not be after date_to"}
	if err.Error() != `invalid query parameter "date_from": must not be after date_to` {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
