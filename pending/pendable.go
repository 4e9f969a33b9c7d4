package pending

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/tidings/consts"
)

const (
	KeyType           = "type"
	KeyListID         = "list_id"
	KeyTokenOwner     = "token_owner"
	KeyHeldMessageID  = "_mod_message_id"
	encodingKey       = "__encoding__"
	encodingBase64    = "base64"
	encodedValueField = "value"
)

// Pendable is the set of attributes stored under a token. Every pendable
// carries a "type"; the other values must be JSON-encodable.
type Pendable map[string]any

func (p Pendable) Type() string {
	return p.String(KeyType)
}

func (p Pendable) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 reads a numeric value. Values come back from storage as
// json.Number.
func (p Pendable) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (p Pendable) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Pending pairs a token with its pendable.
type Pending struct {
	Token    string
	Pendable Pendable
}

func encodeValue(key string, v any) (string, error) {
	if key == KeyType {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: type must be a string", consts.ErrSerializationFailed)
		}
		return s, nil
	}
	if b, ok := v.([]byte); ok {
		v = map[string]string{encodingKey: encodingBase64, encodedValueField: base64.StdEncoding.EncodeToString(b)}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: key %s: %v", consts.ErrSerializationFailed, key, err)
	}
	return string(out), nil
}

func decodeValue(key, raw string) (any, error) {
	if key == KeyType {
		return raw, nil
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", consts.ErrSerializationFailed, key, err)
	}
	if m, ok := v.(map[string]any); ok && m[encodingKey] == encodingBase64 {
		s, _ := m[encodedValueField].(string)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", consts.ErrSerializationFailed, key, err)
		}
		return b, nil
	}
	return v, nil
}
