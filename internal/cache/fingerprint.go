package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for a request: a sha256
// over the tool id, tool name and the argument payload in canonical
// (key-order-independent) form. Identical logical requests always hash
// identically.
func Fingerprint(toolID, toolName string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(toolID)
	b.WriteByte(0)
	b.WriteString(toolName)
	b.WriteByte(0)
	writeCanonical(&b, args)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical serializes a value with object keys sorted at every level.
func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, el)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", x)
	case float64:
		// Normalize integral floats so 3 and 3.0 fingerprint identically.
		if x == float64(int64(x)) {
			fmt.Fprintf(b, "%d", int64(x))
			return
		}
		fmt.Fprintf(b, "%v", x)
	case int64:
		fmt.Fprintf(b, "%d", x)
	case int:
		fmt.Fprintf(b, "%d", x)
	case bool:
		fmt.Fprintf(b, "%t", x)
	default:
		fmt.Fprintf(b, "%v", x)
	}
}
