package utils

import (
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCheckAndMkdir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")
	if err := CheckAndMkdir(dir); err != nil {
		t.Fatal(err)
	}
	if !IsDir(dir) {
		t.Fatalf("%s was not created", dir)
	}
	if err := CheckAndMkdir(dir); err != nil {
		t.Fatalf("existing directory rejected: %v", err)
	}
	file := filepath.Join(root, "f")
	if err := ioutil.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckAndMkdir(file); err == nil {
		t.Fatal("regular file accepted as a directory")
	}
}

func TestSizeOfDir(t *testing.T) {
	root := t.TempDir()
	if err := ioutil.WriteFile(filepath.Join(root, "a"), make([]byte, 10), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckAndMkdir(filepath.Join(root, "sub")); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(root, "sub", "b"), make([]byte, 5), 0644); err != nil {
		t.Fatal(err)
	}
	if n := SizeOfDir(root); n != 15 {
		t.Fatalf("expected 15 bytes, got %d", n)
	}
	if n := SizeOfDir(filepath.Join(root, "missing")); n != -1 {
		t.Fatalf("expected -1 for a missing dir, got %d", n)
	}
	DeleteDir(filepath.Join(root, "sub"))
	if Exists(filepath.Join(root, "sub")) {
		t.Fatal("sub survived DeleteDir")
	}
}

func TestWaitTimeout(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	if WaitTimeout(&wg, 20*time.Millisecond) {
		t.Fatal("wait reported done with a pending member")
	}
	wg.Done()
	if !WaitTimeout(&wg, time.Second) {
		t.Fatal("wait timed out on a finished group")
	}
}
