package utils

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// CopyFile copies a file from src to dst. It returns an error if any occurs during the copy.
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destinationFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destinationFile.Close()

	_, err = io.Copy(destinationFile, sourceFile)
	if err != nil {
		return err
	}

	return destinationFile.Sync()
}

// IsReadableFile reports whether path names an existing regular file the
// process can open for reading.
func IsReadableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// HasExtension reports whether path ends with ext (case-insensitive).
func HasExtension(path, ext string) bool {
	return strings.EqualFold(filepath.Ext(path), ext)
}

// RemoveIO removes the given path. Directories require recursive=true.
// With ignoreError=true the error is only logged.
func RemoveIO(path string, recursive, ignoreError bool) error {
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && ignoreError {
		log.Printf("failed to remove %s: %s", path, err)
		return nil
	}
	return err
}

// TruncateString cuts s to at most max runes, marking the cut.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "... [truncated]"
}
