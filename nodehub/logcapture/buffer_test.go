package logcapture

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferEvictsOldest(t *testing.T) {
	buf := NewBuffer(DefaultCapacity)
	for i := 0; i < 600; i++ {
		buf.Append(Line{Text: fmt.Sprintf("line %d", i)})
	}

	if buf.Len() != 500 {
		t.Fatalf("Expected 500 retained lines, got %d", buf.Len())
	}

	lines := buf.Since(0)
	if len(lines) != 500 {
		t.Fatalf("Expected 500 lines from Since(0), got %d", len(lines))
	}
	for i, line := range lines {
		expected := fmt.Sprintf("line %d", i+100)
		if line.Text != expected {
			t.Fatalf("Line %d: expected %q, got %q", i, expected, line.Text)
		}
	}
}

func TestBufferSince(t *testing.T) {
	buf := NewBuffer(10)
	for i := 0; i < 5; i++ {
		buf.Append(Line{Text: fmt.Sprintf("line %d", i)})
	}

	tests := []struct {
		name     string
		since    int
		expected []string
	}{
		{name: "From start", since: 0, expected: []string{"line 0", "line 1", "line 2", "line 3", "line 4"}},
		{name: "From middle", since: 3, expected: []string{"line 3", "line 4"}},
		{name: "At length", since: 5, expected: nil},
		{name: "Past length", since: 42, expected: nil},
		{name: "Negative", since: -1, expected: []string{"line 0", "line 1", "line 2", "line 3", "line 4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := buf.Since(tt.since)
			if lines == nil {
				t.Fatal("Since returned nil, expected empty slice")
			}
			if len(lines) != len(tt.expected) {
				t.Fatalf("Expected %d lines, got %d", len(tt.expected), len(lines))
			}
			for i := range lines {
				if lines[i].Text != tt.expected[i] {
					t.Errorf("Line %d: expected %q, got %q", i, tt.expected[i], lines[i].Text)
				}
			}
		})
	}
}

func TestBufferAfterSeqAcrossEviction(t *testing.T) {
	buf := NewBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append(Line{Text: fmt.Sprintf("line %d", i)})
	}

	// Seqs 1..5 were assigned; 3..5 are retained.
	lines := buf.AfterSeq(1)
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines after seq 1, got %d", len(lines))
	}
	if lines[0].Seq != 3 || lines[0].Text != "line 2" {
		t.Errorf("Unexpected first line: %+v", lines[0])
	}

	lines = buf.AfterSeq(4)
	if len(lines) != 1 || lines[0].Text != "line 4" {
		t.Errorf("Expected only line 4 after seq 4, got %+v", lines)
	}
}

func TestBufferConcurrentAppend(t *testing.T) {
	buf := NewBuffer(DefaultCapacity)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				buf.Append(Line{Text: "x"})
			}
		}()
	}
	wg.Wait()

	if buf.Len() != DefaultCapacity {
		t.Fatalf("Expected %d lines, got %d", DefaultCapacity, buf.Len())
	}
	lines := buf.Since(0)
	for i := 1; i < len(lines); i++ {
		if lines[i].Seq != lines[i-1].Seq+1 {
			t.Fatalf("Sequence gap at %d: %d -> %d", i, lines[i-1].Seq, lines[i].Seq)
		}
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := NewStore(DefaultCapacity)

	if store.Append(7, "dropped", false) {
		t.Error("Append to unknown instance should report false")
	}
	if lines := store.Logs(7, 0); len(lines) != 0 {
		t.Errorf("Expected no lines for unknown instance, got %d", len(lines))
	}

	store.Create(7)
	store.Append(7, "hello", false)
	store.Append(7, "boom", true)

	lines := store.Logs(7, 0)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0].InstanceID != 7 || lines[0].IsError {
		t.Errorf("Unexpected first line: %+v", lines[0])
	}
	if !lines[1].IsError {
		t.Error("Expected second line to be an error line")
	}
	if lines := store.Logs(7, 2); len(lines) != 0 {
		t.Errorf("Expected no lines at since=len, got %d", len(lines))
	}

	store.Remove(7)
	if store.Has(7) {
		t.Error("Buffer still present after Remove")
	}
	if lines := store.Logs(7, 0); len(lines) != 0 {
		t.Errorf("Expected no lines after Remove, got %d", len(lines))
	}

	store.Create(1)
	store.Create(2)
	store.Clear()
	if store.Has(1) || store.Has(2) {
		t.Error("Buffers still present after Clear")
	}
}
