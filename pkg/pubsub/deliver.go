package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

const (
	defaultBuffer = 256
	// endedWait bounds how long a lagging subscriber can hold up a
	// broadcast_ended event before it is dropped too.
	endedWait = time.Second
)

func bufferSize(n int) int {
	if n <= 0 {
		return defaultBuffer
	}
	return n
}

// mustDeliver reports whether dropping e would leave viewers waiting forever.
func (e *Event) mustDeliver() bool {
	return e.Type == EventBroadcastEnded
}

func encode(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// deliver hands event to a subscriber channel. Frames are dropped when the
// subscriber lags; broadcast_ended waits up to endedWait. It returns false
// only when ctx is done.
func deliver(ctx context.Context, ch chan<- *Event, event *Event, driver string) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	default:
	}

	if !event.mustDeliver() {
		l := pkglog.L()
		l.Debug().Str("driver", driver).Str(pkglog.FieldBroadcastID, event.BroadcastID).Msg("pubsub subscriber lagging, frame dropped")
		return true
	}

	timer := time.NewTimer(endedWait)
	defer timer.Stop()
	select {
	case ch <- event:
	case <-ctx.Done():
		return false
	case <-timer.C:
		l := pkglog.L()
		l.Warn().Str("driver", driver).Str(pkglog.FieldBroadcastID, event.BroadcastID).Msg("pubsub subscriber stuck, broadcast_ended dropped")
	}
	return true
}
