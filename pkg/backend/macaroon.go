package backend

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tapgate-hq/tapgate/pkg/telemetry/logging"
)

// MacaroonProvider supplies the hex-encoded macaroon presented to the
// backend. The credential file is watched for changes so rotated
// macaroons take effect without a restart.
type MacaroonProvider struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu  sync.RWMutex
	hex string
}

// NewMacaroonProvider loads the macaroon at path and starts watching the
// file for rotation. An empty path yields a provider returning an empty
// credential, for backends that run without authentication.
func NewMacaroonProvider(path string, logger *logging.Logger) (*MacaroonProvider, error) {
	p := &MacaroonProvider{path: path, logger: logger}

	if path == "" {
		return p, nil
	}

	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create macaroon watcher: %w", err)
	}
	// Watch the directory so atomic rename-into-place rotations are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch macaroon directory: %w", err)
	}
	p.watcher = watcher

	go p.watch()
	return p, nil
}

// Hex returns the current hex-encoded macaroon, or the empty string when
// no credential is configured.
func (p *MacaroonProvider) Hex() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hex
}

// Close stops watching the credential file.
func (p *MacaroonProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// reload reads and validates the macaroon file. The file may contain
// either raw macaroon bytes or an already hex-encoded credential.
func (p *MacaroonProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read macaroon file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if _, err := hex.DecodeString(content); err != nil {
		// Raw binary macaroon; encode it.
		content = hex.EncodeToString(data)
	}

	p.mu.Lock()
	p.hex = content
	p.mu.Unlock()
	return nil
}

func (p *MacaroonProvider) watch() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Name != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("macaroon reload failed", "path", p.path, "error", err)
				continue
			}
			p.logger.Info("macaroon reloaded", "path", p.path)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("macaroon watcher error", "error", err)
		}
	}
}
