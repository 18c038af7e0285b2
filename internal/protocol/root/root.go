// Package root owns the Root Descriptor carried by registration requests.
//
// The descriptor is an ordered sequence of uint32 values whose meaning is
// defined by the broadcast server. Nothing in this package interprets it.
package root

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidEncoding = errors.New("root: packed length is not a multiple of 4")

// Descriptor is a caller-owned root identity.
type Descriptor []uint32

// Pack appends the big-endian form of d to a fresh buffer. d is only read.
func (d Descriptor) Pack() []byte {
	buf := make([]byte, 4*len(d))
	for i, v := range d {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// Unpack decodes a packed descriptor.
func Unpack(b []byte) (Descriptor, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEncoding, len(b))
	}
	out := make(Descriptor, len(b)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out, nil
}

// Key is a stable map key for d. The empty descriptor keys to "-".
func (d Descriptor) Key() string {
	if len(d) == 0 {
		return "-"
	}
	return hex.EncodeToString(d.Pack())
}

func (d Descriptor) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Parse reads a comma separated list of unsigned integers ("1,2,0x10").
// An empty string yields the empty descriptor.
func Parse(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, nil
	}
	fields := strings.Split(raw, ",")
	out := make(Descriptor, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("root: parse %q: %w", f, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
