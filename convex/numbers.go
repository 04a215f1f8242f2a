// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package convex

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Int64 decodes numeric fields returned by Convex functions, which may
// arrive as JSON integers, integral floats, or numeric strings.
type Int64 int64

// UnmarshalJSON implements json.Unmarshaler. Decoding null leaves the
// value unchanged.
func (n *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return Error.Wrap(err)
		}
		return n.parse(text)
	}
	return n.parse(string(data))
}

func (n *Int64) parse(text string) error {
	if parsed, err := strconv.ParseInt(text, 10, 64); err == nil {
		*n = Int64(parsed)
		return nil
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Error.New("invalid numeric value %q", text)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return Error.New("non-finite number %q", text)
	}
	if parsed != math.Trunc(parsed) {
		return Error.New("non-integral number %q", text)
	}
	if parsed < math.MinInt64 || parsed >= math.MaxInt64 {
		return Error.New("number out of int64 range %q", text)
	}
	*n = Int64(int64(parsed))
	return nil
}

// Int64Value returns the value of an optional Int64, with absent
// treated as zero.
func Int64Value(n *Int64) int64 {
	if n == nil {
		return 0
	}
	return int64(*n)
}
