package media

import "testing"

func TestParseRange(t *testing.T) {
	r, ok := ParseRange("bytes=200-299")
	if !ok || r.Start != 200 || !r.HasEnd || r.End != 299 {
		t.Fatalf("parse: %+v %v", r, ok)
	}
	r, ok = ParseRange("bytes=5000-")
	if !ok || r.Start != 5000 || r.HasEnd {
		t.Fatalf("open ended: %+v %v", r, ok)
	}
	for _, bad := range []string{"", "bytes=-500", "items=0-1", "bytes=a-b", "bytes=0-1,5-6"} {
		if _, ok := ParseRange(bad); ok {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestResolveExplicitRange(t *testing.T) {
	r, _ := ParseRange("bytes=200-299")
	span := Resolve(r, true, 1000, 0)
	if span.Start != 200 || span.Length != 100 {
		t.Fatalf("span: %+v", span)
	}
	if got := span.ContentRange(); got != "bytes 200-299/1000" {
		t.Fatalf("content range: %s", got)
	}
}

func TestResolveStartPastEndRestartsAtZero(t *testing.T) {
	r, _ := ParseRange("bytes=5000-")
	span := Resolve(r, true, 1000, 1<<20)
	if span.Start != 0 || span.Length != 1000 {
		t.Fatalf("span: %+v", span)
	}
	r, _ = ParseRange("bytes=5000-5100")
	span = Resolve(r, true, 1000, 0)
	if span.Start != 0 || span.Length != 1000 {
		t.Fatalf("explicit end past size: %+v", span)
	}
}

func TestResolveNeverNegative(t *testing.T) {
	r, _ := ParseRange("bytes=500-100")
	span := Resolve(r, true, 1000, 0)
	if span.Start != 500 || span.Length != 500 {
		t.Fatalf("inverted range: %+v", span)
	}
	span = Resolve(ByteRange{Start: 10}, true, 0, 0)
	if span.Length != 0 {
		t.Fatalf("empty file: %+v", span)
	}
}

func TestResolveWithoutRangeServesFirstChunk(t *testing.T) {
	span := Resolve(ByteRange{}, false, 5000, 1024)
	if span.Start != 0 || span.Length != 1024 {
		t.Fatalf("span: %+v", span)
	}
	if got := span.ContentRange(); got != "bytes 0-1023/5000" {
		t.Fatalf("content range: %s", got)
	}
}
