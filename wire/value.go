// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ParseArray parses a JSON wire array. Numbers are kept as json.Number
// rather than float64 so that integer fields survive the trip intact;
// the service sends 64-bit values as decimal strings precisely because
// its own JavaScript client cannot represent them as numbers.
func ParseArray(data []byte) ([]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var arr []any
	if err := decoder.Decode(&arr); err != nil {
		return nil, fmt.Errorf("wire: parsing array: %w", err)
	}
	return arr, nil
}

// MarshalArray renders a wire array back to JSON bytes. Arrays built by
// [Codec.Encode] marshal deterministically: integers have no exponent or
// decimal point, and 64-bit values are already strings.
func MarshalArray(arr []any) ([]byte, error) {
	data, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling array: %w", err)
	}
	return data, nil
}

// maxExactFloat is the largest integer a float64 can represent exactly
// (2^53). Values above this must never pass through float64.
const maxExactFloat = 1 << 53

// toInt64 converts a decoded wire value to int64. Accepts json.Number,
// decimal strings (the service's encoding for 64-bit values), and the
// Go integer types produced by Encode. float64 is accepted only within
// the exactly-representable range.
func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("number %q is not an int64: %w", v.String(), err)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("string %q is not a decimal int64: %w", v, err)
		}
		return n, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > maxExactFloat {
			return 0, fmt.Errorf("float %v is not an exactly-representable integer", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("value of type %T is not an integer", value)
	}
}

// toString converts a decoded wire value to a string.
func toString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("value of type %T is not a string", value)
	}
	return s, nil
}

// toBool converts a decoded wire value to a bool. The service encodes
// booleans both as JSON true/false and as 0/1 depending on the
// procedure, so both are accepted.
func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return false, fmt.Errorf("number %q is not a boolean", v.String())
		}
		return n != 0, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("value of type %T is not a boolean", value)
	}
}
