package pusudb

import (
	"errors"
	"reflect"
	"testing"
)

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		keys []string
		want string
	}{
		{nil, ""},
		{[]string{"ya:1"}, "ya:1"},
		{[]string{"ya:1", "ya:2"}, "ya:"},
		{[]string{"ya:10", "ya:1", "ya:11"}, "ya:1"},
		{[]string{"ya:1", "zz:1"}, ""},
		{[]string{"café", "cafè"}, "caf"},
		{[]string{"日本:1", "日付:1"}, "日"},
		{[]string{"ü:1", "ü:2"}, "ü:"},
		{[]string{"é", "è"}, ""},
	}
	for _, tt := range tests {
		if got := commonPrefix(tt.keys); got != tt.want {
			t.Errorf("commonPrefix(%v) = %q, want %q", tt.keys, got, tt.want)
		}
	}
}

func TestHash(t *testing.T) {
	payload := map[string]interface{}{"key": ":1", "value": []interface{}{"a", 1.0}}

	hash, err := EncodeHash(payload)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeHash(map[string]interface{}{"hash": hash})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Errorf("got %v, want %v", decoded, payload)
	}

	t.Run("leaves other payloads alone", func(t *testing.T) {
		for _, payload := range []interface{}{
			":1",
			map[string]interface{}{"key": ":1"},
			map[string]interface{}{"hash": "x", "key": ":1"},
			map[string]interface{}{"hash": 5},
		} {
			got, err := decodeHash(payload)
			if err != nil || !reflect.DeepEqual(got, payload) {
				t.Errorf("decodeHash(%v) = %v, %v", payload, got, err)
			}
		}
	})

	t.Run("rejects bad base64 and bad json", func(t *testing.T) {
		for _, hash := range []string{"not base64!", "bm90IGpzb24="} {
			_, err := decodeHash(map[string]interface{}{"hash": hash})
			if !IsKind(err, ParseError) {
				t.Errorf("expected a parse error for %q, got %v", hash, err)
			}
		}
	})
}

func TestExtractKey(t *testing.T) {
	if key, ok := extractKey(map[string]interface{}{"key": 7}); !ok || key != "7" {
		t.Errorf("got %q %v", key, ok)
	}
	if _, ok := extractKey(map[string]interface{}{"value": 7}); ok {
		t.Error("expected no key")
	}
	if valueOf(map[string]interface{}{"value": 7}) != 7 || valueOf(":1") != nil {
		t.Error("unexpected valueOf")
	}
}

func TestStore(t *testing.T) {
	s := newStore[int]()

	if err := s.Create("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Create("a", 2); StatusCode(err) != StatusConflict {
		t.Errorf("expected a conflict, got %v", err)
	}
	if value, err := s.Read("a"); err != nil || value != 1 {
		t.Errorf("got %d, %v", value, err)
	}
	if s.Values().length() != 1 || s.Len() != 1 {
		t.Error("expected one value")
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("a"); StatusCode(err) != StatusNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.Delete("a"); StatusCode(err) != StatusNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMapToError(t *testing.T) {
	handlers := newArray[func() error]()
	calls := 0
	handlers.push(func() error { calls++; return nil })
	handlers.push(func() error { calls++; return errors.New("closing failed") })
	handlers.push(func() error { calls++; return nil })

	err := mapToError(handlers, func(handler func() error) error { return handler() })
	if calls != 3 {
		t.Errorf("expected every handler to run, got %d", calls)
	}
	if err == nil || err.Error() != "closing failed" {
		t.Errorf("unexpected %v", err)
	}
}
