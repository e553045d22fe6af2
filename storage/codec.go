package storage

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Entry is a key with its decoded value, as returned to clients.
type Entry struct {
	Key   string      `json:"key" mapstructure:"key"`
	Value interface{} `json:"value" mapstructure:"value"`
}

// BatchEntry is one element of a batch payload.
type BatchEntry struct {
	Type  string      `json:"type" mapstructure:"type"`
	Key   string      `json:"key" mapstructure:"key"`
	Value interface{} `json:"value,omitempty" mapstructure:"value"`
}

// StreamOptions are the range options accepted by stream and count.
// Start and End are accepted as aliases of Gte and Lte.
type StreamOptions struct {
	Gte     *string `mapstructure:"gte"`
	Gt      *string `mapstructure:"gt"`
	Lte     *string `mapstructure:"lte"`
	Lt      *string `mapstructure:"lt"`
	Start   *string `mapstructure:"start"`
	End     *string `mapstructure:"end"`
	Limit   int     `mapstructure:"limit"`
	Reverse bool    `mapstructure:"reverse"`
}

// EncodeValue serializes a client value for storage.
func EncodeValue(value interface{}) (Value, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, ErrInvalidPayload.Wrap(err)
	}
	return data, nil
}

// DecodeValue deserializes a stored value. Values that are not JSON, written by
// other tools, come back as plain strings.
func DecodeValue(value Value) interface{} {
	if len(value) == 0 {
		return ""
	}
	var decoded interface{}
	if err := json.Unmarshal(value, &decoded); err != nil {
		return string(value)
	}
	return decoded
}

func decode(input interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return ErrInvalidPayload.Wrap(err)
	}
	if err := decoder.Decode(input); err != nil {
		return ErrInvalidPayload.Wrap(err)
	}
	return nil
}

// KeyOf extracts the key of a payload: the payload itself when it is a
// string, otherwise its "key" field.
func KeyOf(payload interface{}) (string, bool) {
	switch v := payload.(type) {
	case string:
		return v, true
	case map[string]interface{}:
		key, ok := v["key"]
		if !ok || key == nil {
			return "", false
		}
		if s, ok := key.(string); ok {
			return s, true
		}
		return fmt.Sprint(key), true
	}
	return "", false
}

func decodeStreamOptions(payload interface{}) (IterateOptions, error) {
	opts := StreamOptions{}
	if payload != nil {
		if err := decode(payload, &opts); err != nil {
			return IterateOptions{}, err
		}
	}
	if opts.Gte == nil {
		opts.Gte = opts.Start
	}
	if opts.Lte == nil {
		opts.Lte = opts.End
	}

	iterate := IterateOptions{
		Limit:   opts.Limit,
		Reverse: opts.Reverse,
	}
	if opts.Gte != nil {
		iterate.Gte = Key(*opts.Gte)
	}
	if opts.Gt != nil {
		iterate.Gt = Key(*opts.Gt)
	}
	if opts.Lte != nil {
		iterate.Lte = Key(*opts.Lte)
	}
	if opts.Lt != nil {
		iterate.Lt = Key(*opts.Lt)
	}
	return iterate, nil
}

func decodeBatch(payload interface{}) ([]BatchEntry, error) {
	var entries []BatchEntry
	if payload == nil {
		return nil, ErrEmptyBatch.New("")
	}
	if err := decode(payload, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyBatch.New("")
	}
	return entries, nil
}
