//go:build !unix

package register

import (
	"context"

	"github.com/danmuck/castline/internal/protocol/root"
)

// Without unix descriptor passing no channel can be handed over.
func (c *Client) exchange(context.Context, root.Descriptor) Outcome {
	return Outcome{status: NotSupported, err: ErrUnsupportedPlatform}
}
