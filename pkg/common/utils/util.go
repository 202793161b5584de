package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CheckAndMkdir makes sure dir exists and is a directory.
func CheckAndMkdir(dir string) error {
	stat, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		stat, err = os.Stat(dir)
	}
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// Exists does not follow a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func IsDir(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}

// DeleteDir is best effort; the caller has already logged why.
func DeleteDir(path string) {
	_ = os.RemoveAll(path)
}

// SizeOfDir sums regular file sizes under path, or returns -1 when the walk
// fails.
func SizeOfDir(path string) int64 {
	res := int64(0)
	err := filepath.Walk(path, func(path string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			res += info.Size()
		}
		return err
	})
	if err != nil {
		return -1
	}
	return res
}
