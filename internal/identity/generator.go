// Package identity issues entity identifiers without coordinating with the authority.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingPath = errors.New("identity: installation id path is required")

// Config configures a Generator.
type Config struct {
	// Path of the file holding the installation id. It lives outside the database
	// so that schema resets never change it.
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Generator derives name-based UUIDs from the installation id and a creation timestamp.
type Generator struct {
	path   string
	clock  func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	installation uuid.UUID
	lastNanos    int64
}

// NewGenerator constructs a Generator. The installation id is loaded lazily.
func NewGenerator(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{path: cfg.Path, clock: clock, logger: logger}, nil
}

// NewID returns a fresh identifier for a locally created entity.
func (g *Generator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	installation, err := g.loadInstallationLocked()
	if err != nil {
		return "", err
	}

	nanos := g.clock().UnixNano()
	if nanos <= g.lastNanos {
		nanos = g.lastNanos + 1
	}
	g.lastNanos = nanos

	return DeriveID(installation, formatTimestamp(nanos)), nil
}

// Installation returns the installation id, creating it on first use.
func (g *Generator) Installation() (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadInstallationLocked()
}

// DeriveID computes the identifier for an installation and a timestamp string.
func DeriveID(installation uuid.UUID, timestamp string) string {
	return uuid.NewSHA1(installation, []byte(timestamp)).String()
}

// formatTimestamp renders milliseconds with a sub-millisecond fraction, e.g. 1700000000123.456789.
func formatTimestamp(nanos int64) string {
	return fmt.Sprintf("%d.%06d", nanos/int64(time.Millisecond), nanos%int64(time.Millisecond))
}

func (g *Generator) loadInstallationLocked() (uuid.UUID, error) {
	if g.installation != uuid.Nil {
		return g.installation, nil
	}

	raw, err := os.ReadFile(g.path)
	switch {
	case err == nil:
		parsed, parseErr := uuid.Parse(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("identity: corrupt installation id in %s: %w", g.path, parseErr)
		}
		g.installation = parsed
		return parsed, nil
	case !errors.Is(err, os.ErrNotExist):
		return uuid.Nil, fmt.Errorf("identity: read installation id: %w", err)
	}

	generated, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity: generate installation id: %w", err)
	}
	if err := writeFileAtomic(g.path, []byte(generated.String()+"\n")); err != nil {
		return uuid.Nil, fmt.Errorf("identity: persist installation id: %w", err)
	}
	g.logger.Info("installation id created", zap.String("path", g.path))
	g.installation = generated
	return generated, nil
}

// writeFileAtomic writes through a temporary file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".installation-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
