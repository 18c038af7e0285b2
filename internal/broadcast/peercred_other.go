//go:build !linux

package broadcast

import (
	"errors"
	"net"

	"github.com/danmuck/castline/internal/protocol/session"
)

func peerCredentials(*net.UnixConn) (session.PeerCred, error) {
	return session.PeerCred{}, errors.New("broadcast: peer credentials not supported on this platform")
}
