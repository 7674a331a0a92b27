package policydoc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON renders a value as canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, numbers in their shortest
// round-trip form. The same logical value always yields the same bytes, which
// makes the output suitable as HMAC and fingerprint input.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}

// fingerprintView is the portion of a document committed by the fingerprint:
// the normalized rule list plus the policy-wide defaults, which carry
// decision semantics just like the rules do.
type fingerprintView struct {
	Rules         []Rule `json:"rules"`
	DefaultAction string `json:"default_action"`
	DefaultReason string `json:"default_reason,omitempty"`
}

// Fingerprint computes the canonical SHA-256 fingerprint of the document's
// rule semantics. Two documents that differ only in version label,
// description, whitespace, or map-key ordering share a fingerprint.
func (d *Document) Fingerprint() (string, error) {
	canon, err := CanonicalJSON(fingerprintView{
		Rules:         d.Rules,
		DefaultAction: d.DefaultAction,
		DefaultReason: d.DefaultReason,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
