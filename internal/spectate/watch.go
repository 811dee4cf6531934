package spectate

import (
	"sync"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// WatchHandle is an open subscription to one broadcast's frames.
type WatchHandle struct {
	session     *Session
	broadcastID string

	// ready is closed once the watch request resolved; err holds its
	// failure.
	ready chan struct{}
	err   error

	mu      sync.Mutex
	frames  chan domain.Frame
	done    chan struct{}
	ended   bool
	reason  string
	dropped uint64
	taps    []chan domain.Frame
}

func newWatchHandle(s *Session, broadcastID string, buffer int) *WatchHandle {
	return &WatchHandle{
		session:     s,
		broadcastID: broadcastID,
		ready:       make(chan struct{}),
		frames:      make(chan domain.Frame, buffer),
		done:        make(chan struct{}),
	}
}

// BroadcastID returns the watched broadcast.
func (h *WatchHandle) BroadcastID() string {
	return h.broadcastID
}

// Frames returns the frames in the order the relay delivered them. The
// channel is closed when the watch ends.
func (h *WatchHandle) Frames() <-chan domain.Frame {
	return h.frames
}

// Tap returns a copy of the frames delivered from now on, so a recorder or
// a second viewer can follow the watch without competing with the reader of
// Frames. A tap that falls behind loses frames. The channel is closed when the
// watch ends.
func (h *WatchHandle) Tap(buffer int) <-chan domain.Frame {
	ch := make(chan domain.Frame, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		close(ch)
		return ch
	}
	h.taps = append(h.taps, ch)
	return ch
}

// Done is closed when the watch ends.
func (h *WatchHandle) Done() <-chan struct{} {
	return h.done
}

// Reason returns why the watch ended, or "" while it is open.
func (h *WatchHandle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Dropped returns how many frames were discarded because the reader fell
// behind.
func (h *WatchHandle) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close ends the watch and unsubscribes from the relay. The connection and
// other handles are unaffected.
func (h *WatchHandle) Close() error {
	return h.session.unwatch(h)
}

func (h *WatchHandle) settle(err error) {
	h.err = err
	close(h.ready)
}

func (h *WatchHandle) deliver(f domain.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	for _, tap := range h.taps {
		select {
		case tap <- f:
		default:
		}
	}
	select {
	case h.frames <- f:
	default:
		h.dropped++
		if h.dropped == 1 || h.dropped%100 == 0 {
			h.session.logger.Warn().
				Str(pkglog.FieldBroadcastID, h.broadcastID).
				Uint64("dropped", h.dropped).
				Msg("watch buffer full, dropping frames")
		}
	}
}

func (h *WatchHandle) end(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	h.reason = reason
	close(h.frames)
	for _, tap := range h.taps {
		close(tap)
	}
	h.taps = nil
	close(h.done)
}
