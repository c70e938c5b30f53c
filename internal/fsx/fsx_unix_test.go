//go:build unix

package fsx

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestRename_crossDevice(t *testing.T) {
	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	defer func() { renameFunc = old }()

	err := Rename("/a", "/b")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsCrossDevice(err) {
		t.Fatalf("expected CrossDeviceError, got %T %v", err, err)
	}
}

func TestMoveFile_crossDeviceCopies(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	dst := filepath.Join(dir, "dst.jpg")
	if err := os.WriteFile(src, []byte("still"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Only the direct move fails; the temporary file rename inside WriteAtomic succeeds.
	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		if oldpath == src {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
		}
		return old(oldpath, newpath)
	}
	defer func() { renameFunc = old }()

	if err := MoveFile(src, dst); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source still present: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "still" {
		t.Fatalf("destination = %q, %v", b, err)
	}
}
