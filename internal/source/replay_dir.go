package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

const replayExt = ".slp"

// ReplayDirConfig configures a ReplayDirSource.
type ReplayDirConfig struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ChunkSize    int           `mapstructure:"chunk_size"`
}

// ReplayDirSource follows the newest replay file in the emulator's replay
// directory and emits the bytes appended to it. A new replay file replaces
// the one being followed.
type ReplayDirSource struct {
	cfg    ReplayDirConfig
	logger zerolog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	onStatus StatusHandler

	// owned by the run goroutine
	current string
	offset  int64
}

// NewReplayDirSource creates a source for the given replay directory.
func NewReplayDirSource(cfg ReplayDirConfig) *ReplayDirSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 << 10
	}
	return &ReplayDirSource{
		cfg:    cfg,
		logger: pkglog.Component("source").With().Str("dir", cfg.Dir).Logger(),
	}
}

// Attach starts following the replay directory.
func (s *ReplayDirSource) Attach(ctx context.Context, onFrame FrameHandler, onStatus StatusHandler) error {
	if onStatus == nil {
		onStatus = func(domain.ConnectionStatus) {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	onStatus(domain.StatusConnecting)

	info, err := os.Stat(s.cfg.Dir)
	if err != nil {
		onStatus(domain.StatusFailed)
		return fmt.Errorf("%w: %v", domain.ErrLocalSourceFailure, err)
	}
	if !info.IsDir() {
		onStatus(domain.StatusFailed)
		return fmt.Errorf("%w: %s is not a directory", domain.ErrLocalSourceFailure, s.cfg.Dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onStatus(domain.StatusFailed)
		return fmt.Errorf("%w: failed to create watcher: %v", domain.ErrLocalSourceFailure, err)
	}
	if err := watcher.Add(s.cfg.Dir); err != nil {
		watcher.Close()
		onStatus(domain.StatusFailed)
		return fmt.Errorf("%w: failed to watch directory: %v", domain.ErrLocalSourceFailure, err)
	}

	// Only data written after attach is streamed.
	s.current, s.offset = "", 0
	if newest := newestReplay(s.cfg.Dir); newest != "" {
		if fi, err := os.Stat(newest); err == nil {
			s.current, s.offset = newest, fi.Size()
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	s.onStatus = onStatus

	go s.run(runCtx, watcher, s.done, onFrame, onStatus)

	s.logger.Info().Str("file", s.current).Msg("replay source attached")
	onStatus(domain.StatusConnected)
	return nil
}

// Detach stops following the directory and reports Disconnected.
func (s *ReplayDirSource) Detach() error {
	s.mu.Lock()
	watcher, cancel, done, onStatus := s.watcher, s.cancel, s.done, s.onStatus
	s.watcher, s.cancel, s.done, s.onStatus = nil, nil, nil, nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}

	cancel()
	err := watcher.Close()
	<-done

	onStatus(domain.StatusDisconnected)
	s.logger.Info().Msg("replay source detached")
	return err
}

func (s *ReplayDirSource) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}, onFrame FrameHandler, onStatus StatusHandler) {
	defer close(done)

	// Polling backs up fsnotify on filesystems that coalesce write events.
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Error().Msg("watcher closed unexpectedly")
					onStatus(domain.StatusFailed)
				}
				return
			}
			if !strings.EqualFold(filepath.Ext(event.Name), replayExt) {
				continue
			}
			if event.Op&fsnotify.Create != 0 && event.Name != s.current {
				s.logger.Info().Str("file", event.Name).Msg("following new replay")
				s.current, s.offset = event.Name, 0
			}
			if event.Name == s.current && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.drain(onFrame)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			s.logger.Warn().Err(err).Msg("watcher error")

		case <-ticker.C:
			if newest := newestReplay(s.cfg.Dir); newest != "" && newest != s.current {
				s.current, s.offset = newest, 0
			}
			s.drain(onFrame)
		}
	}
}

// drain emits everything appended to the current file since the last read.
func (s *ReplayDirSource) drain(onFrame FrameHandler) {
	if s.current == "" {
		return
	}

	f, err := os.Open(s.current)
	if err != nil {
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < s.offset {
		s.logger.Info().Str("file", s.current).Int64("size", info.Size()).Int64("offset", s.offset).Msg("replay truncated, reading from the start")
		s.offset = 0
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		s.logger.Warn().Err(err).Msg("failed to seek replay")
		return
	}

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			s.offset += int64(n)
			if onFrame != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onFrame(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Msg("failed to read replay")
			}
			return
		}
	}
}

// newestReplay returns the most recently modified replay file in dir.
func newestReplay(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), replayExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}
