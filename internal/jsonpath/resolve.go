// Package jsonpath resolves dot-notation field paths ("$.actor.login") against
// decoded JSON objects.
package jsonpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotScalar is returned by String when the path points at an object, array or null.
var ErrNotScalar = errors.New("value is not a scalar")

// Resolve resolves path against data. The "$." prefix is optional and "$" alone
// returns data itself.
func Resolve(data map[string]any, path string) (any, error) {
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return data, nil
	}

	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: cannot traverse into non-object at %q", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q not found", path, part)
		}
	}
	return current, nil
}

// String resolves path and renders the scalar it points at. Numbers decoded
// with json.Decoder.UseNumber keep their exact textual form.
func String(data map[string]any, path string) (string, error) {
	val, err := Resolve(data, path)
	if err != nil {
		return "", err
	}

	switch v := val.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("path %q: %w (got %T)", path, ErrNotScalar, val)
	}
}
