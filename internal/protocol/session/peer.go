package session

import (
	"errors"
	"fmt"
)

var (
	ErrPeerNotPermitted    = errors.New("session: peer not permitted")
	ErrPeerCredUnavailable = errors.New("session: peer credentials unavailable")
)

// PeerCred is the kernel-reported identity of a unix socket peer.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerPolicy restricts which local users may register. An empty policy admits everyone.
type PeerPolicy struct {
	AllowedUIDs []uint32
	AllowedGIDs []uint32
}

func (p PeerPolicy) Restricted() bool {
	return len(p.AllowedUIDs) > 0 || len(p.AllowedGIDs) > 0
}

// Permit checks cred against the policy. credErr is the error from reading the
// peer credentials; it only matters when the policy is restricted.
func (p PeerPolicy) Permit(cred PeerCred, credErr error) error {
	if !p.Restricted() {
		return nil
	}
	if credErr != nil {
		return fmt.Errorf("%w: %v", ErrPeerCredUnavailable, credErr)
	}
	for _, uid := range p.AllowedUIDs {
		if uid == cred.UID {
			return nil
		}
	}
	for _, gid := range p.AllowedGIDs {
		if gid == cred.GID {
			return nil
		}
	}
	return fmt.Errorf("%w: uid=%d gid=%d pid=%d", ErrPeerNotPermitted, cred.UID, cred.GID, cred.PID)
}
