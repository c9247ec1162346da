package logging

import (
	"sync"
	"testing"
)

func TestLogBufferKeepsNewest(t *testing.T) {
	buffer := NewLogBuffer(2)
	for _, message := range []string{"first", "second", "third"} {
		buffer.Add(LogEntry{Message: message})
	}

	entries := buffer.List()
	if len(entries) != 2 || buffer.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "third" {
		t.Fatalf("unexpected order %q, %q", entries[0].Message, entries[1].Message)
	}
}

func TestLogBufferPartialFill(t *testing.T) {
	buffer := NewLogBuffer(3)
	if buffer.List() != nil {
		t.Fatal("expected empty buffer to list nil")
	}
	buffer.Add(LogEntry{Message: "one"})
	buffer.Add(LogEntry{Message: "two"})

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "one" || entries[1].Message != "two" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLogBufferExactWrap(t *testing.T) {
	buffer := NewLogBuffer(2)
	buffer.Add(LogEntry{Message: "a"})
	buffer.Add(LogEntry{Message: "b"})
	entries := buffer.List()
	if len(entries) != 2 || entries[0].Message != "a" || entries[1].Message != "b" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLogBufferConcurrentAdds(t *testing.T) {
	buffer := NewLogBuffer(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buffer.Add(LogEntry{Message: "entry"})
			}
		}()
	}
	wg.Wait()

	if got := len(buffer.List()); got != 50 {
		t.Fatalf("expected 50 entries, got %d", got)
	}
}
