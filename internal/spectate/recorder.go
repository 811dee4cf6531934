package spectate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/storage"
)

const (
	replayContentType = "application/octet-stream"
	replayURLExpiry   = 24 * time.Hour
)

// Recording describes a stored replay.
type Recording struct {
	Key         string `json:"key"`
	BroadcastID string `json:"broadcast_id"`
	Frames      int    `json:"frames"`
	Bytes       int    `json:"bytes"`
	Gaps        int    `json:"gaps"`
	URL         string `json:"url,omitempty"`
}

// Recorder drains a watch into a replay file once the watch ends.
type Recorder struct {
	store  storage.Storage
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder creates a Recorder writing under prefix in store.
func NewRecorder(store storage.Storage, prefix string) *Recorder {
	return &Recorder{
		store:  store,
		prefix: prefix,
		now:    time.Now,
		logger: pkglog.Component("recorder"),
	}
}

// Record consumes h until it ends and stores the concatenated frame data.
// Sequence gaps (frames dropped by the relay or a slow reader) are counted
// but not filled. Nothing is stored for a watch that delivered no frames.
func (r *Recorder) Record(ctx context.Context, h *WatchHandle) (*Recording, error) {
	return r.RecordFrames(ctx, h, h.Frames())
}

// RecordFrames is Record reading from frames, typically a Tap of h, which
// leaves h.Frames to the handle's owner.
func (r *Recorder) RecordFrames(ctx context.Context, h *WatchHandle, frames <-chan domain.Frame) (*Recording, error) {
	logger := r.logger.With().Str(pkglog.FieldBroadcastID, h.BroadcastID()).Logger()

	var buf bytes.Buffer
	rec := &Recording{BroadcastID: h.BroadcastID()}
	var last uint64

loop:
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if last != 0 && f.Seq != last+1 {
				rec.Gaps++
			}
			last = f.Seq
			rec.Frames++
			buf.Write(f.Data)
		case <-ctx.Done():
			h.Close()
			for f := range frames {
				rec.Frames++
				buf.Write(f.Data)
			}
			break loop
		}
	}

	if rec.Frames == 0 {
		logger.Info().Msg("watch ended without frames, nothing recorded")
		return rec, nil
	}

	rec.Bytes = buf.Len()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	key, err := r.freeKey(writeCtx, h.BroadcastID())
	if err != nil {
		return rec, err
	}
	rec.Key = key

	meta := storage.Metadata{ContentType: replayContentType, BroadcastID: h.BroadcastID()}
	if err := r.store.Write(writeCtx, rec.Key, &buf, int64(rec.Bytes), meta); err != nil {
		return rec, fmt.Errorf("failed to store replay: %w", err)
	}

	if url, err := r.store.URL(writeCtx, rec.Key, replayURLExpiry); err != nil {
		logger.Warn().Err(err).Str("key", rec.Key).Msg("failed to resolve replay url")
	} else {
		rec.URL = url
	}

	logger.Info().Str("key", rec.Key).Int("frames", rec.Frames).Int("gaps", rec.Gaps).Msg("replay recorded")
	return rec, nil
}

// freeKey names the replay after the current time, adding a counter when a
// replay of the same broadcast already ended within that second.
func (r *Recorder) freeKey(ctx context.Context, broadcastID string) (string, error) {
	base := path.Join(r.prefix, broadcastID, r.now().UTC().Format("20060102T150405Z"))
	key := base + ".slp"
	for n := 2; ; n++ {
		exists, err := r.store.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check replay key: %w", err)
		}
		if !exists {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d.slp", base, n)
	}
}

// Open reads back a stored replay.
func (r *Recorder) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return r.store.Read(ctx, key)
}

// List returns the stored replays, optionally for one broadcast.
func (r *Recorder) List(ctx context.Context, broadcastID string) ([]storage.FileInfo, error) {
	prefix := r.prefix
	if broadcastID != "" {
		prefix = path.Join(r.prefix, broadcastID) + "/"
	}
	return r.store.List(ctx, prefix)
}
