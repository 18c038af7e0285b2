//go:build unix

package broadcast

import (
	"os"

	"golang.org/x/sys/unix"
)

// rightsFor builds the SCM_RIGHTS control message carrying f.
func rightsFor(f *os.File) ([]byte, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var oob []byte
	if err := rc.Control(func(fd uintptr) {
		oob = unix.UnixRights(int(fd))
	}); err != nil {
		return nil, err
	}
	return oob, nil
}
