package agentproc

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ProgramWatcher watches the agent executable and invalidates the
// coordinator when it is rewritten, so redeploys take effect without a
// backend restart.
type ProgramWatcher struct {
	coordinator *Coordinator
	path        string
	watcher     *fsnotify.Watcher
	done        chan struct{}
	logger      zerolog.Logger
}

// NewProgramWatcher resolves the agent command on PATH and watches its
// directory for changes.
func NewProgramWatcher(coordinator *Coordinator, command string, logger zerolog.Logger) (*ProgramWatcher, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve agent command %q: %w", command, err)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory; editors and installers replace files rather
	// than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	pw := &ProgramWatcher{
		coordinator: coordinator,
		path:        path,
		watcher:     watcher,
		done:        make(chan struct{}),
		logger:      logger,
	}
	go pw.run()

	logger.Info().Str("path", path).Msg("Watching agent program for changes")
	return pw, nil
}

func (pw *ProgramWatcher) run() {
	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Debounce: installs touch the file several times
				debounce.Reset(500 * time.Millisecond)
				pending = true
			}

		case <-debounce.C:
			if pending {
				pending = false
				pw.logger.Info().Str("path", pw.path).Msg("Agent program changed")
				pw.coordinator.Invalidate("agent program updated")
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn().Err(err).Msg("Agent program watcher error")

		case <-pw.done:
			return
		}
	}
}

// Close stops watching
func (pw *ProgramWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
