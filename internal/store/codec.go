package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Codec turns record values into stored payloads and back. Decoded values
// are normalized to plain Go types: string, int64, float64, bool,
// time.Time, map[string]any and []any.
type Codec interface {
	Name() string
	Encode(values map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// NewCodec returns the codec for name ("json" or "bson"), optionally
// wrapped with snappy compression.
func NewCodec(name, compression string) (Codec, error) {
	var c Codec
	switch name {
	case "", "json":
		c = jsonCodec{}
	case "bson":
		c = bsonCodec{}
	default:
		return nil, fmt.Errorf("unknown document codec %q", name)
	}

	switch compression {
	case "", "none":
		return c, nil
	case "snappy":
		return snappyCodec{inner: c}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(values map[string]any) ([]byte, error) {
	return json.Marshal(values)
}

func (jsonCodec) Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json document: %w", err)
	}
	for k, v := range out {
		out[k] = normalizeValue(v)
	}
	return out, nil
}

type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

// Encode stores timestamps as RFC 3339 text, like the json codec, since a
// BSON datetime only keeps milliseconds.
func (bsonCodec) Encode(values map[string]any) ([]byte, error) {
	doc := make(map[string]any, len(values))
	for k, v := range values {
		doc[k] = timeAsText(v)
	}
	return bson.Marshal(doc)
}

func timeAsText(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = timeAsText(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = timeAsText(e)
		}
		return out
	}
	return v
}

func (bsonCodec) Decode(data []byte) (map[string]any, error) {
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode bson document: %w", err)
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out, nil
}

type snappyCodec struct {
	inner Codec
}

func (c snappyCodec) Name() string { return c.inner.Name() + "+snappy" }

func (c snappyCodec) Encode(values map[string]any) ([]byte, error) {
	raw, err := c.inner.Encode(values)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c snappyCodec) Decode(data []byte) (map[string]any, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress document: %w", err)
	}
	return c.inner.Decode(raw)
}

// normalizeValue converts codec-specific types to plain Go types.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int32:
		return int64(val)
	case int:
		return int64(val)
	case primitive.DateTime:
		return val.Time().UTC()
	case time.Time:
		return val.UTC()
	case primitive.M:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeValue(e)
		}
		return out
	case map[string]any:
		for k, e := range val {
			val[k] = normalizeValue(e)
		}
		return val
	case primitive.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		for i, e := range val {
			val[i] = normalizeValue(e)
		}
		return val
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}
