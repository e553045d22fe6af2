package pusudb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/yamigr/pusudb/storage"
)

func mergeContexts(parent context.Context, contexts ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(parent)

	for _, inputCtx := range contexts {
		go func(childCtx context.Context) {
			select {
			case <-ctx.Done():
				return
			case <-childCtx.Done():
				cancelCause(childCtx.Err())

				return
			}
		}(inputCtx)
	}
	simpleCancel := func() {
		cancelCause(context.Canceled)
	}
	return ctx, simpleCancel
}

func parsePayload(v interface{}, payload interface{}) error {
	marshaled, err := json.Marshal(payload)

	if err != nil {
		return wrapF(err, "failed to marshal payload")
	}
	err = json.Unmarshal(marshaled, v)

	if err != nil {
		return wrapF(err, "failed to unmarshal payload")
	}
	return nil
}

// extractKey returns the key a payload refers to: the payload itself when it
// is a string, otherwise its key field.
func extractKey(payload interface{}) (string, bool) {
	switch v := payload.(type) {
	case storage.Entry:
		return v.Key, true
	case *storage.Entry:
		if v == nil {
			return "", false
		}
		return v.Key, true
	}
	return storage.KeyOf(payload)
}

// valueOf returns the value field of a put payload.
func valueOf(payload interface{}) interface{} {
	if fields, ok := payload.(map[string]interface{}); ok {
		return fields["value"]
	}
	return nil
}

// commonPrefix returns the longest string every key starts with. It never
// ends inside a multi-byte rune.
func commonPrefix(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	first := keys[0]
	prefix := first
	for _, key := range keys[1:] {
		for !strings.HasPrefix(key, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	for n := len(prefix); n > 0 && n < len(first) && !utf8.RuneStart(first[n]); n-- {
		prefix = first[:n-1]
	}
	return prefix
}

// isEmpty reports whether a payload counts as missing.
func isEmpty(payload interface{}) bool {
	switch v := payload.(type) {
	case nil:
		return true
	case string:
		return v == ""
	}
	return false
}

// EncodeHash encodes v as the base64 JSON accepted in a {"hash": ...} payload.
func EncodeHash(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", wrapF(err, "failed to encode hash")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeHash replaces a {"hash": "<base64 JSON>"} payload with its decoded
// content. Other payloads are returned unchanged.
func decodeHash(payload interface{}) (interface{}, error) {
	fields, ok := payload.(map[string]interface{})
	if !ok {
		return payload, nil
	}
	hash, ok := fields["hash"].(string)
	if !ok || len(fields) != 1 {
		return payload, nil
	}
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return nil, parseError(err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, parseError(err)
	}
	return decoded, nil
}
