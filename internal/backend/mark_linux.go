//go:build linux

package backend

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/AdguardTeam/golibs/log"
)

// setMark applies SO_MARK to the raw socket backing rc, so upstream
// traffic can be steered by routing-policy rules keyed on the mark. A
// zero mark is a no-op, matching the original set_mark(0) early return.
func setMark(rc syscall.RawConn, mark int) {
	if mark == 0 {
		return
	}
	err := rc.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			log.Error("trojan: set SO_MARK=%d failed: %v", mark, err)
		}
	})
	if err != nil {
		log.Error("trojan: access raw socket to set SO_MARK=%d failed: %v", mark, err)
	}
}
