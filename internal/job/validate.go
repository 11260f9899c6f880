package job

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ArgLimits bound the shape of a job's argument payload.
type ArgLimits struct {
	MaxKeys      int // per object
	MaxDepth     int
	MaxStringLen int
	MaxElements  int // total across the payload
}

// DefaultArgLimits are applied when a tool declares none.
func DefaultArgLimits() ArgLimits {
	return ArgLimits{
		MaxKeys:      64,
		MaxDepth:     8,
		MaxStringLen: 16 * 1024,
		MaxElements:  1024,
	}
}

func (l ArgLimits) withDefaults() ArgLimits {
	d := DefaultArgLimits()
	if l.MaxKeys <= 0 {
		l.MaxKeys = d.MaxKeys
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = d.MaxStringLen
	}
	if l.MaxElements <= 0 {
		l.MaxElements = d.MaxElements
	}
	return l
}

// Patterns rejected inside string arguments. Tool processes are launched
// with piped stdio, not a shell, but argument payloads frequently end up in
// downstream interpreters; reject the obvious injection shapes up front.
var injectionPatterns = []string{
	"$(", "`", "&&", "||", ";rm ", "; rm ",
	"union select", "drop table", "' or '", "\" or \"", "--;",
	"<script", "\x00",
}

// ValidateArguments validates, coerces and sanitizes a job's argument
// payload. It returns a sanitized copy; the input map is not modified.
// Violations are reported as KindValidationError.
func ValidateArguments(args map[string]any, lim ArgLimits) (map[string]any, *Error) {
	lim = lim.withDefaults()
	if args == nil {
		return map[string]any{}, nil
	}
	budget := lim.MaxElements
	out, err := sanitizeObject(args, lim, 1, &budget)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sanitizeObject(m map[string]any, lim ArgLimits, depth int, budget *int) (map[string]any, *Error) {
	if depth > lim.MaxDepth {
		return nil, NewError(KindValidationError, "arguments exceed max depth %d", lim.MaxDepth)
	}
	if len(m) > lim.MaxKeys {
		return nil, NewError(KindValidationError, "argument object has %d keys, max %d", len(m), lim.MaxKeys)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if strings.TrimSpace(k) == "" {
			return nil, NewError(KindValidationError, "argument key must not be empty")
		}
		sv, err := sanitizeValue(k, v, lim, depth, budget)
		if err != nil {
			return nil, err
		}
		out[k] = sv
	}
	return out, nil
}

func sanitizeValue(key string, v any, lim ArgLimits, depth int, budget *int) (any, *Error) {
	*budget--
	if *budget < 0 {
		return nil, NewError(KindValidationError, "arguments exceed max element count %d", lim.MaxElements)
	}

	switch x := v.(type) {
	case nil, bool:
		return x, nil
	case string:
		if len(x) > lim.MaxStringLen {
			return nil, NewError(KindValidationError, "argument %q exceeds max string length %d", key, lim.MaxStringLen)
		}
		low := strings.ToLower(x)
		for _, p := range injectionPatterns {
			if strings.Contains(low, p) {
				return nil, NewError(KindValidationError, "argument %q contains a rejected pattern", key)
			}
		}
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, NewError(KindValidationError, "argument %q is not a finite number", key)
		}
		// Integral floats (the common JSON decode of ints) become int64 so
		// tools receive stable integer types.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	case int:
		return int64(x), nil
	case int64, float32:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, NewError(KindValidationError, "argument %q is not a valid number", key)
		}
		return f, nil
	case []any:
		out := make([]any, 0, len(x))
		for i, el := range x {
			sv, err := sanitizeValue(key+"["+strconv.Itoa(i)+"]", el, lim, depth+1, budget)
			if err != nil {
				return nil, err
			}
			out = append(out, sv)
		}
		return out, nil
	case map[string]any:
		return sanitizeObject(x, lim, depth+1, budget)
	default:
		return nil, NewError(KindValidationError, "argument %q has unsupported type %T", key, v)
	}
}
