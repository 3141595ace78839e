package early

import (
	"bytes"
	"testing"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	SetSink(&buf)
	t.Cleanup(func() { SetSink(nil) })
	fn()
	return buf.String()
}

func TestPrintf(t *testing.T) {
	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t", true) }, "true"},
		{func() { printfn("%7t", false) }, "false"}, // %t ignores any width prefix
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTE SLICE")) }, "BYTE SLICE arg"},
		{func() { printfn("'%4s' arg with padding", "ABC") }, "' ABC' arg with padding"},
		{func() { printfn("'%4s' arg longer than padding", "ABCDE") }, "'ABCDE' arg longer than padding"},
		{func() { printfn("%d", 42) }, "42"},
		{func() { printfn("%d", -42) }, "-42"},
		{func() { printfn("%5d", 42) }, "   42"},
		{func() { printfn("%o", 8) }, "10"},
		{func() { printfn("%x", 255) }, "0xff"},
		{func() { printfn("%%literal") }, "%literal"},
		{func() { printfn("%d and %s", 1) }, "1 and (MISSING)"},
		{func() { printfn("%d", 1, 2) }, "1%!(EXTRA)"},
		{func() { printfn("%d", true) }, "%!(WRONGTYPE)"},
		{func() { printfn("%q") }, "%!(NOVERB)"},
	}

	for specIndex, spec := range specs {
		if got := captureOutput(t, spec.fn); got != spec.expOutput {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfWithoutSinkIsANoOp(t *testing.T) {
	SetSink(nil)
	Printf("this should go nowhere: %d", 1) // must not panic
}
