package media

import (
	"fmt"
	"regexp"
	"strconv"
)

var rangePattern = regexp.MustCompile(`^\s*bytes=(\d+)-(\d*)\s*$`)

// ByteRange is a parsed "bytes=start-[end]" request. HasEnd is false for
// open-ended ranges.
type ByteRange struct {
	Start  uint64
	End    uint64
	HasEnd bool
}

// ParseRange parses a single-range Range header. ok is false for an absent or
// malformed header, which callers treat as a request from byte 0.
func ParseRange(header string) (ByteRange, bool) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return ByteRange{}, false
	}
	start, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return ByteRange{}, false
	}
	r := ByteRange{Start: start}
	if m[2] != "" {
		end, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return ByteRange{}, false
		}
		r.End = end
		r.HasEnd = true
	}
	return r, true
}

// Span is a range resolved against a file.
type Span struct {
	Start  int64
	Length int64
	Total  int64
}

func (s Span) ContentRange() string {
	if s.Length <= 0 {
		return fmt.Sprintf("bytes */%d", s.Total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.Start+s.Length-1, s.Total)
}

// Resolve maps r onto a file of size bytes.
//
// A start at or past the end of the file restarts from byte 0 instead of
// failing with 416. An end before the start is ignored, an end past the file
// is cut to the last byte. Open-ended and absent ranges are limited to chunk
// bytes when chunk > 0; explicit ranges are served in full.
func Resolve(r ByteRange, present bool, size, chunk int64) Span {
	if size <= 0 {
		return Span{Total: max(size, 0)}
	}
	var start int64
	if present && r.Start < uint64(size) {
		start = int64(r.Start)
	}
	var length int64
	if present && r.HasEnd && r.End >= uint64(start) {
		end := min(r.End, uint64(size-1))
		length = int64(end) - start + 1
	} else {
		length = size - start
		if chunk > 0 && length > chunk {
			length = chunk
		}
	}
	return Span{Start: start, Length: length, Total: size}
}
