// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"reflect"
	"testing"
)

func TestLineRingBasic(t *testing.T) {
	r := NewLineRing(4)
	r.Append("a")
	r.Append("b")

	got := r.LastN(10)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LastN = %v, want %v", got, want)
	}
}

func TestLineRingWraps(t *testing.T) {
	r := NewLineRing(3)
	for i := 0; i < 5; i++ {
		r.Append(fmt.Sprintf("line%d", i))
	}

	got := r.LastN(3)
	want := []string{"line2", "line3", "line4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LastN = %v, want %v", got, want)
	}
}

func TestLineRingLastNSubset(t *testing.T) {
	r := NewLineRing(8)
	for i := 0; i < 6; i++ {
		r.Append(fmt.Sprintf("line%d", i))
	}

	got := r.LastN(2)
	want := []string{"line4", "line5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LastN(2) = %v, want %v", got, want)
	}
}

func TestLineRingWriter(t *testing.T) {
	r := NewLineRing(8)
	if _, err := r.Write([]byte("first\nsecond\n")); err != nil {
		t.Fatal(err)
	}

	got := r.LastN(8)
	want := []string{"first", "second"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LastN = %v, want %v", got, want)
	}
}

func TestLineRingZeroCapacityDefaults(t *testing.T) {
	r := NewLineRing(0)
	r.Append("x")
	if got := r.LastN(1); len(got) != 1 || got[0] != "x" {
		t.Errorf("LastN = %v, want [x]", got)
	}
}
