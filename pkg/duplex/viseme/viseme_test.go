package viseme

import (
	"testing"
	"time"
)

func TestLookup_KnownCodesHaveFullWeight(t *testing.T) {
	for code := 0; code <= 21; code++ {
		name, weight := Lookup(code)
		if name == "" {
			t.Fatalf("Lookup(%d) returned empty name", code)
		}
		if weight != 1 {
			t.Fatalf("Lookup(%d) weight=%v, want 1", code, weight)
		}
	}
	if name, _ := Lookup(21); name != "viseme_PP" {
		t.Fatalf("Lookup(21)=%q, want viseme_PP", name)
	}
	if name, _ := Lookup(0); name != Silence {
		t.Fatalf("Lookup(0)=%q, want %q", name, Silence)
	}
}

func TestLookup_UnknownCodeIsSilentZeroWeight(t *testing.T) {
	for _, code := range []int{-1, 22, 99} {
		name, weight := Lookup(code)
		if name != Silence || weight != 0 {
			t.Fatalf("Lookup(%d)=(%q,%v), want (%q,0)", code, name, weight, Silence)
		}
	}
}

func TestMap_PreservesOrderAndTimes(t *testing.T) {
	got := Map([]Event{
		{TimeMS: 0, Code: 0},
		{TimeMS: 40, Code: 18},
		{TimeMS: 95.5, Code: 42},
		{TimeMS: 120, Code: 6},
	})
	want := []Expression{
		{TimeMS: 0, Name: "viseme_sil", Weight: 1},
		{TimeMS: 40, Name: "viseme_FF", Weight: 1},
		{TimeMS: 95.5, Name: "viseme_sil", Weight: 0},
		{TimeMS: 120, Name: "viseme_I", Weight: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Map()[%d]=%+v, want %+v", i, got[i], want[i])
		}
	}
	if Span(got) != 120*time.Millisecond {
		t.Fatalf("Span=%v", Span(got))
	}
}

func TestMap_Empty(t *testing.T) {
	if got := Map(nil); got != nil {
		t.Fatalf("Map(nil)=%v, want nil", got)
	}
}
