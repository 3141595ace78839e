package kfmt

import (
	"bytes"
	"testing"
)

func TestFprintfVerbs(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		want   string
	}{
		{"no args", nil, "no args"},
		{"%t", []interface{}{true}, "true"},
		{"%s arg", []interface{}{"STRING"}, "STRING arg"},
		{"%s arg", []interface{}{[]byte("BYTES")}, "BYTES arg"},
		{"'%4s'", []interface{}{"AB"}, "'  AB'"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%5d", []interface{}{42}, "   42"},
		{"%o", []interface{}{8}, "10"},
		{"%x", []interface{}{255}, "0xff"},
		{"%%lit", nil, "%lit"},
		{"%d and %s", []interface{}{1}, "1 and (MISSING)"},
		{"%d", []interface{}{1, 2}, "1%!(EXTRA)"},
		{"%d", []interface{}{true}, "%!(WRONGTYPE)"},
	}

	for i, spec := range specs {
		var buf bytes.Buffer
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.want {
			t.Errorf("[spec %d] Fprintf(%q, %v): got %q, want %q", i, spec.format, spec.args, got, spec.want)
		}
	}
}

func TestSprintfReturnsFormattedString(t *testing.T) {
	if got := Sprintf("frames=%d free=%d", 128, 64); got != "frames=128 free=64" {
		t.Fatalf("unexpected Sprintf result: %q", got)
	}
}

func TestPrintfBuffersUntilOutputSinkIsSet(t *testing.T) {
	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("buffered: %d", 7)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	t.Cleanup(func() { outputSink = nil })

	if buf.String() != "buffered: 7" {
		t.Fatalf("expected SetOutputSink to flush buffered output, got %q", buf.String())
	}

	Printf(" live: %d", 8)
	if buf.String() != "buffered: 7 live: 8" {
		t.Fatalf("expected subsequent Printf calls to go straight to the sink, got %q", buf.String())
	}
}
