package llm

import (
	"reflect"
	"testing"
)

func TestChunkerSentenceBoundary(t *testing.T) {
	c := newChunker(".!?", 240)
	got := c.Write("Hello. World")
	if !reflect.DeepEqual(got, []string{"Hello."}) {
		t.Fatalf("Write = %v, want [Hello.]", got)
	}
	if tail := c.Flush(); tail != "World" {
		t.Fatalf("Flush = %q, want World", tail)
	}
}

func TestChunkerAccumulatesAcrossDeltas(t *testing.T) {
	c := newChunker(".!?", 240)
	var chunks []string
	for _, delta := range []string{"Hel", "lo. Wo", "rld! Done"} {
		chunks = append(chunks, c.Write(delta)...)
	}
	want := []string{"Hello.", "World!"}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	if tail := c.Flush(); tail != "Done" {
		t.Fatalf("Flush = %q, want Done", tail)
	}
}

func TestChunkerKeepsDecimalsIntact(t *testing.T) {
	c := newChunker(".!?", 240)
	if got := c.Write("Pi is 3.14 exactly."); got != nil {
		t.Fatalf("Write = %v, want no chunks", got)
	}
	if tail := c.Flush(); tail != "Pi is 3.14 exactly." {
		t.Fatalf("Flush = %q", tail)
	}
}

func TestChunkerPunctuationRun(t *testing.T) {
	c := newChunker(".!?", 240)
	got := c.Write("Really?! Yes.")
	if !reflect.DeepEqual(got, []string{"Really?!"}) {
		t.Fatalf("Write = %v, want [Really?!]", got)
	}
	if tail := c.Flush(); tail != "Yes." {
		t.Fatalf("Flush = %q, want Yes.", tail)
	}
}

func TestChunkerWaitsForWhitespaceAfterBoundary(t *testing.T) {
	c := newChunker(".!?", 240)
	if got := c.Write("Done."); got != nil {
		t.Fatalf("trailing boundary cut too early: %v", got)
	}
	got := c.Write(" Next")
	if !reflect.DeepEqual(got, []string{"Done."}) {
		t.Fatalf("Write = %v, want [Done.]", got)
	}
}

func TestChunkerOverflowFlushesBuffer(t *testing.T) {
	c := newChunker(".!?", 10)
	got := c.Write("abcdefghijklmnop")
	if !reflect.DeepEqual(got, []string{"abcdefghijklmnop"}) {
		t.Fatalf("Write = %v, want whole buffer flushed", got)
	}
	if tail := c.Flush(); tail != "" {
		t.Fatalf("Flush = %q, want empty after overflow", tail)
	}
}

func TestChunkerCustomBoundaries(t *testing.T) {
	c := newChunker(";", 240)
	got := c.Write("first; second")
	if !reflect.DeepEqual(got, []string{"first;"}) {
		t.Fatalf("Write = %v, want [first;]", got)
	}
}

func TestChunkerDefaults(t *testing.T) {
	c := newChunker("", 0)
	if c.boundaries != ".!?" || c.maxChars != 240 {
		t.Fatalf("defaults = %q/%d", c.boundaries, c.maxChars)
	}
	if tail := c.Flush(); tail != "" {
		t.Fatalf("Flush on empty = %q", tail)
	}
}
