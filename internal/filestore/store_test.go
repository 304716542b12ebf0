package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAddFileOverwrites(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatal(err)
	}

	folder, err := s.AddFolder("polarcloud")
	if err != nil {
		t.Fatal(err)
	}
	p := s.JoinPath(folder, "current-print.gcode")
	if p != "polarcloud/current-print.gcode" {
		t.Fatalf("JoinPath = %q", p)
	}

	if err := s.AddFile(p, []byte("G28")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddFile(p, []byte("G1 X10")); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(s.PathOnDisk(p))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "G1 X10" {
		t.Errorf("content = %q", got)
	}
	if !s.Exists(p) {
		t.Error("Exists = false")
	}

	entries, _ := os.ReadDir(s.PathOnDisk(folder))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	if err := s.Remove(p); err != nil {
		t.Fatal(err)
	}
	if s.Exists(p) {
		t.Error("file still present after Remove")
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"", "../etc/passwd", "a/../../b", "a/.."} {
		if err := s.AddFile(p, []byte("x")); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("AddFile(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}
