package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// CanonicalJSON renders v deterministically: object keys sorted, no
// whitespace, numbers in shortest lossless form. Two payloads with the
// same content always hash identically regardless of field order.
//
// Numbers that cannot survive a float64 round trip (NaN, infinities) are
// rejected rather than silently mangled.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Checksum returns the hex SHA-256 of the canonical form. Commit metadata
// merged under the reserved key is excluded, so an entry's checksum stays
// stable across its whole lifecycle and covers exactly what was prepared.
func Checksum(v interface{}) (string, error) {
	if m, ok := v.(map[string]interface{}); ok {
		if _, has := m[commitMetaKey]; has {
			clean := make(map[string]interface{}, len(m)-1)
			for k, val := range m {
				if k != commitMetaKey {
					clean[k] = val
				}
			}
			v = clean
		}
	}
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)

	case json.Number:
		// Already a lossless decimal string from the decoder.
		buf.WriteString(val.String())

	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("non-finite number in payload")
		}
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))

	case int:
		buf.WriteString(strconv.Itoa(val))

	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))

	case []int64:
		buf.WriteByte('[')
		for i, n := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.FormatInt(n, 10))
		}
		buf.WriteByte(']')

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kd, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kd)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("unsupported payload type %T", v)
	}
	return nil
}

// decodePayload parses stored payload JSON keeping numbers as json.Number,
// so re-computed checksums match what was written.
func decodePayload(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
