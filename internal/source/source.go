package source

import (
	"context"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
)

// FrameHandler receives one chunk of game-state data. The slice is owned by
// the receiver.
type FrameHandler func(data []byte)

// StatusHandler receives the source connection status as it changes.
type StatusHandler func(status domain.ConnectionStatus)

// Source is the local emulator the broadcast session reads game state from.
type Source interface {
	// Attach starts delivering frames. It returns an error wrapping
	// domain.ErrLocalSourceFailure when the source cannot be opened.
	Attach(ctx context.Context, onFrame FrameHandler, onStatus StatusHandler) error
	// Detach stops delivery. It is safe to call when not attached.
	Detach() error
}
