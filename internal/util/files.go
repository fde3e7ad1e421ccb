// Package util collects small helpers shared across the relay: file
// existence checks used while validating configuration paths, and text
// helpers used when logging values that might be attacker-controlled
// and unbounded in length.
package util

import (
	"os"
	"time"
)

// FileExists reports whether a file exists at name. A stat error other
// than "not exist" is returned alongside false so a caller can
// distinguish "absent" from "inaccessible".
func FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// FileInfo reports the size and last-modified time (in UTC) of the file at
// path.
func FileInfo(path string) (size int64, modTime time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime().UTC(), nil
}
