package supervisor

import (
	"reflect"
	"testing"
)

func TestRingBufferReturnsAllBeforeFull(t *testing.T) {
	r := newRingBuffer(4)
	r.push("a")
	r.push("b")
	got := r.last(10)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("last() = %v, want %v", got, want)
	}
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	r := newRingBuffer(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		r.push(line)
	}
	// Capacity 3, so only the most recent 3 lines survive.
	got := r.last(10)
	want := []string{"c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("last() after wrap = %v, want %v", got, want)
	}
}

func TestRingBufferLastNLimitsOutput(t *testing.T) {
	r := newRingBuffer(5)
	for _, line := range []string{"a", "b", "c"} {
		r.push(line)
	}
	got := r.last(2)
	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("last(2) = %v, want %v", got, want)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	r := newRingBuffer(5)
	got := r.last(10)
	if len(got) != 0 {
		t.Fatalf("expected empty ring to return no lines, got %v", got)
	}
}
