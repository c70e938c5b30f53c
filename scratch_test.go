package livephoto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScratch(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "nested")
	s, err := newScratch(parent)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(s.Dir()) != parent {
		t.Fatalf("scratch %s not under %s", s.Dir(), parent)
	}

	a, err := s.callDir()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.callDir()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("call directories repeat")
	}
	writeFile(t, a, "x", []byte("x"))

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Fatalf("scratch left behind: %v", err)
	}
	if _, err := s.callDir(); err != errScratchClosed {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMonotonic(t *testing.T) {
	var got []float64
	m := newMonotonic(func(p float64) { got = append(got, p) })
	half := m.scaled(0, 0.5)
	rest := m.scaled(0.5, 1)

	half(0.5)
	half(0.2)
	rest(0)
	rest(2)
	rest(1)

	want := []float64{0.25, 0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
