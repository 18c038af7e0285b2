//go:build linux

package broadcast

import (
	"net"

	"github.com/danmuck/castline/internal/protocol/session"
	"golang.org/x/sys/unix"
)

func peerCredentials(conn *net.UnixConn) (session.PeerCred, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return session.PeerCred{}, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := rc.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return session.PeerCred{}, err
	}
	if credErr != nil {
		return session.PeerCred{}, credErr
	}
	return session.PeerCred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
