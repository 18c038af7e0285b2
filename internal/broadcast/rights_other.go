//go:build !unix

package broadcast

import (
	"errors"
	"os"
)

func rightsFor(*os.File) ([]byte, error) {
	return nil, errors.New("broadcast: descriptor passing not supported on this platform")
}
