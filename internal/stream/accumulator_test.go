package stream

import (
	"strings"
	"testing"
)

func TestAccumulator(t *testing.T) {
	var a Accumulator

	a.Write([]byte("line one\r\nline two"))
	if i := a.IndexCRLF(); i != 8 {
		t.Fatalf("expected CRLF at 8, got %d", i)
	}
	a.Discard(10)
	if got := string(a.Bytes()); got != "line two" {
		t.Errorf("expected %q, got %q", "line two", got)
	}
	if a.IndexCRLF() != -1 {
		t.Errorf("expected no CRLF")
	}

	a.Write([]byte("\r\n"))
	if got, want := a.Len(), len("line two\r\n"); got != want {
		t.Errorf("expected len %d, got %d", want, got)
	}

	a.Discard(100)
	if a.Len() != 0 {
		t.Errorf("expected empty accumulator, got %d bytes", a.Len())
	}
}

func TestAccumulatorCompacts(t *testing.T) {
	var a Accumulator
	chunk := strings.Repeat("x", 1024)

	for i := 0; i < 100; i++ {
		a.Write([]byte(chunk))
		a.Discard(1000)
	}
	if a.Len() != 100*24 {
		t.Fatalf("expected %d live bytes, got %d", 100*24, a.Len())
	}
	if a.off > a.Len()+len(chunk) {
		t.Errorf("consumed prefix was not released: off=%d live=%d", a.off, a.Len())
	}
}
