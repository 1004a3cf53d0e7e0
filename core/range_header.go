package core

import (
	"fmt"
	"strconv"
	"strings"
)

// BuildRangeHeader returns the Range header value that resumes at offset.
//
// Example: BuildRangeHeader(1024) returns "bytes=1024-".
func BuildRangeHeader(offset int64) string {
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// ParseContentRange parses "bytes start-end/total". total is -1 when the
// server reports "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start %q: %w", from, err)
	}
	if end, err = strconv.ParseInt(to, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end %q: %w", to, err)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range total %q: %w", size, err)
	}
	return start, end, total, nil
}
