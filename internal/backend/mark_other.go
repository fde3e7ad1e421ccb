//go:build !linux

package backend

import "syscall"

// setMark is a no-op outside Linux: SO_MARK is a Linux-only socket option.
func setMark(rc syscall.RawConn, mark int) {}
