package pusudb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/yamigr/pusudb/storage"
)

func TestStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind ErrorKind
	}{
		{"missing key", storage.ErrKeyNotFound.New("%q", ":1"), StatusNotFound, StorageError},
		{"empty key", storage.ErrEmptyKey.New(""), StatusBadRequest, StorageError},
		{"invalid payload", storage.ErrInvalidPayload.New("bad"), StatusBadRequest, StorageError},
		{"unknown operation", storage.ErrUnknownOperation.New(""), StatusBadRequest, UnknownOperation},
		{"closed store", storage.ErrClosed.New("person"), StatusServiceUnavailable, StorageError},
		{"anything else", errors.New("disk on fire"), StatusInternalServerError, StorageError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storageError(tt.err)
			if err.Code != tt.code || err.Kind != tt.kind {
				t.Errorf("got code %d kind %q, want %d %q", err.Code, err.Kind, tt.code, tt.kind)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected the cause to be kept")
			}
		})
	}

	t.Run("keeps errors that are already classified", func(t *testing.T) {
		original := forbidden("nope")
		if got := storageError(original); got != original {
			t.Errorf("expected the same error back, got %v", got)
		}
	})

	t.Run("ignores nil", func(t *testing.T) {
		if storageError(nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestWrap(t *testing.T) {
	t.Run("keeps the code of a wrapped Error", func(t *testing.T) {
		err := wrap(conflict("taken"), "put failed")
		if err.Code != StatusConflict || err.Message != "put failed: taken" {
			t.Errorf("unexpected %+v", err)
		}
	})

	t.Run("marks foreign errors as internal", func(t *testing.T) {
		cause := errors.New("eof")
		err := wrapF(cause, "read %d", 3)
		if err.Code != StatusInternalServerError || err.Message != "read 3: eof" || !errors.Is(err, cause) {
			t.Errorf("unexpected %+v", err)
		}
	})

	t.Run("returns nil for nil", func(t *testing.T) {
		if wrap(nil, "x") != nil || wrapF(nil, "x") != nil {
			t.Error("expected nil")
		}
	})
}

func TestMiddlewareError(t *testing.T) {
	if err := middlewareError(errors.New("boom")); err.Code != StatusInternalServerError || err.Kind != MiddlewareError {
		t.Errorf("unexpected %+v", err)
	}

	limited := tooManyRequests("slow down")
	err := middlewareError(limited)
	if err.Code != StatusTooManyRequests || err.Kind != MiddlewareError || !err.Temporary {
		t.Errorf("unexpected %+v", err)
	}
	if limited.Kind != "" {
		t.Error("expected the original error to be left alone")
	}

	parse := parseError(errors.New("bad json"))
	if got := middlewareError(parse); got != parse {
		t.Errorf("expected a kinded error to pass through, got %v", got)
	}
}

func TestStatusCode(t *testing.T) {
	if StatusCode(nil) != 200 {
		t.Error("expected 200 for nil")
	}
	if StatusCode(fmt.Errorf("wrapped: %w", timeout("slow"))) != StatusGatewayTimeout {
		t.Error("expected the wrapped code")
	}
	if StatusCode(errors.New("plain")) != StatusInternalServerError {
		t.Error("expected 500 for a plain error")
	}
}

func TestErrorMessage(t *testing.T) {
	if errorMessage(nil) != nil {
		t.Error("expected nil for nil")
	}
	if got := *errorMessage(notFound("gone")); got != "gone" {
		t.Errorf("expected the bare message, got %q", got)
	}
	if got := *errorMessage(errors.New("plain")); got != "plain" {
		t.Errorf("got %q", got)
	}
}

func TestCombine(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")

	if combine(nil, nil) != nil {
		t.Error("expected nil")
	}
	if combine(nil, first) != first {
		t.Error("expected the single error back")
	}

	err := combine(first, nil, second)
	if err.Error() != "first; second" || !errors.Is(err, second) {
		t.Errorf("unexpected %v", err)
	}

	err = addError(nil, first)
	err = addError(err, nil)
	err = addError(err, second)
	err = addError(err, notFound("third"))

	var multi *MultiError
	if !errors.As(err, &multi) || len(multi.Unwrap()) != 3 {
		t.Fatalf("expected 3 gathered errors, got %v", err)
	}
	if StatusCode(err) != StatusNotFound {
		t.Errorf("expected the gathered Error's code, got %d", StatusCode(err))
	}
}
