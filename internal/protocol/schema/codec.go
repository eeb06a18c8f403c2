package schema

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/danmuck/stanza/internal/protocol/jid"
)

// Codec converts between the raw text of an attribute or node and its
// native value.
//
// Decode returns (nil, nil) when the raw text should be treated as absent.
// Encode returns ok=false when the value should not be written at all.
type Codec interface {
	Name() string
	Decode(raw string) (any, error)
	Encode(v any) (raw string, ok bool, err error)
}

var (
	String Codec = stringCodec{}
	Bool   Codec = boolCodec{}
	Int    Codec = intCodec{}
	Float  Codec = floatCodec{}
	Time   Codec = timeCodec{}
	JID    Codec = jidCodec{}
	Base64 Codec = base64Codec{}
)

type stringCodec struct{}

func (stringCodec) Name() string { return "string" }

func (stringCodec) Decode(raw string) (any, error) { return raw, nil }

func (stringCodec) Encode(v any) (string, bool, error) {
	switch x := v.(type) {
	case string:
		return x, x != "", nil
	case fmt.Stringer:
		s := x.String()
		return s, s != "", nil
	default:
		s := fmt.Sprint(v)
		return s, s != "", nil
	}
}

type boolCodec struct{}

func (boolCodec) Name() string { return "bool" }

func (boolCodec) Decode(raw string) (any, error) { return raw == "true", nil }

func (boolCodec) Encode(v any) (string, bool, error) {
	b, ok := v.(bool)
	if !ok {
		return "", false, fmt.Errorf("bool codec: unsupported value %T", v)
	}
	if b {
		return "true", true, nil
	}
	return "false", true, nil
}

type intCodec struct{}

func (intCodec) Name() string { return "int" }

// Decode yields absent (not an error) for unparsable input.
func (intCodec) Decode(raw string) (any, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, nil
	}
	return n, nil
}

func (intCodec) Encode(v any) (string, bool, error) {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x), true, nil
	case int8:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int16:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int32:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int64:
		return strconv.FormatInt(x, 10), true, nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint64:
		return strconv.FormatUint(x, 10), true, nil
	default:
		return "", false, fmt.Errorf("int codec: unsupported value %T", v)
	}
}

type floatCodec struct{}

func (floatCodec) Name() string { return "float" }

func (floatCodec) Decode(raw string) (any, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) {
		return nil, nil
	}
	return f, nil
}

func (floatCodec) Encode(v any) (string, bool, error) {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true, nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true, nil
	case int:
		return strconv.Itoa(x), true, nil
	default:
		return "", false, fmt.Errorf("float codec: unsupported value %T", v)
	}
}

type timeCodec struct{}

func (timeCodec) Name() string { return "time" }

func (timeCodec) Decode(raw string) (any, error) {
	t, ok := ParseTimestamp(raw)
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (timeCodec) Encode(v any) (string, bool, error) {
	t, ok := v.(time.Time)
	if !ok {
		return "", false, fmt.Errorf("time codec: unsupported value %T", v)
	}
	if t.IsZero() {
		return "", false, nil
	}
	return FormatTimestamp(t), true, nil
}

type jidCodec struct{}

func (jidCodec) Name() string { return "jid" }

func (jidCodec) Decode(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	j, err := jid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (jidCodec) Encode(v any) (string, bool, error) {
	switch x := v.(type) {
	case jid.JID:
		if x.IsZero() {
			return "", false, nil
		}
		return x.String(), true, nil
	case *jid.JID:
		if x == nil || x.IsZero() {
			return "", false, nil
		}
		return x.String(), true, nil
	case string:
		if x == "" {
			return "", false, nil
		}
		j, err := jid.Parse(x)
		if err != nil {
			return "", false, err
		}
		return j.String(), true, nil
	default:
		return "", false, fmt.Errorf("jid codec: unsupported value %T", v)
	}
}

type base64Codec struct{}

func (base64Codec) Name() string { return "base64" }

func (base64Codec) Decode(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("base64 codec: %w", err)
	}
	return b, nil
}

func (base64Codec) Encode(v any) (string, bool, error) {
	b, ok := v.([]byte)
	if !ok {
		return "", false, fmt.Errorf("base64 codec: unsupported value %T", v)
	}
	if len(b) == 0 {
		return "", false, nil
	}
	return base64.StdEncoding.EncodeToString(b), true, nil
}
