package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge = 7 * 24 * time.Hour
	DefaultMaxEntries = 500
)

// Cleanup prunes oversized live sessions and deletes archived files past
// their retention age.
type Cleanup struct {
	manager    *Manager
	cleanupAge time.Duration
	maxEntries int
	stopCh     chan struct{}
	running    bool
}

// NewCleanup creates a new session cleanup handler
func NewCleanup(manager *Manager, cleanupAge time.Duration) *Cleanup {
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}

	return &Cleanup{
		manager:    manager,
		cleanupAge: cleanupAge,
		maxEntries: DefaultMaxEntries,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the cleanup handler
func (c *Cleanup) Start() error {
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	go c.run()

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the cleanup handler
func (c *Cleanup) Stop() error {
	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	close(c.stopCh)
	c.running = false

	log.Info().Msg("Session cleanup stopped")

	return nil
}

func (c *Cleanup) run() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	if err := c.CleanupNow(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup sessions")
	}

	for {
		select {
		case <-ticker.C:
			if err := c.CleanupNow(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup sessions")
			}
		case <-c.stopCh:
			return
		}
	}
}

// CleanupNow prunes live sessions to maxEntries and sweeps expired
// archives in one pass.
func (c *Cleanup) CleanupNow(ctx context.Context) error {
	infos, err := c.manager.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, info := range infos {
		if err := c.pruneSession(ctx, info.Key); err != nil {
			log.Warn().
				Str("session_key", info.Key).
				Err(err).
				Msg("Failed to prune session")
		}
	}

	deleted, err := c.sweepArchive()
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Info().
			Int("deleted", deleted).
			Msg("Cleaned up expired archives")
	}

	return nil
}

// pruneSession keeps only the newest maxEntries messages of a session.
func (c *Cleanup) pruneSession(ctx context.Context, sessionKey string) error {
	if c.maxEntries <= 0 {
		return nil
	}

	messages, err := c.manager.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	if len(messages) <= c.maxEntries {
		return nil
	}

	pruned := messages[len(messages)-c.maxEntries:]
	if err := c.manager.Replace(ctx, sessionKey, pruned); err != nil {
		return err
	}

	log.Debug().
		Str("session_key", sessionKey).
		Int("from_entries", len(messages)).
		Int("to_entries", len(pruned)).
		Msg("Session pruned")

	return nil
}

// sweepArchive deletes archived session files older than cleanupAge.
func (c *Cleanup) sweepArchive() (int, error) {
	archiveDir := filepath.Join(c.manager.Dir(), archiveDirName)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read archive directory: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) < c.cleanupAge {
			continue
		}

		path := filepath.Join(archiveDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Error().Str("path", path).Err(err).Msg("Failed to delete archived session")
			continue
		}
		deleted++
	}

	return deleted, nil
}

// IsRunning returns whether the cleanup is running
func (c *Cleanup) IsRunning() bool {
	return c.running
}

// GetCleanupAge returns the cleanup age
func (c *Cleanup) GetCleanupAge() time.Duration {
	return c.cleanupAge
}

// SetCleanupAge sets the cleanup age
func (c *Cleanup) SetCleanupAge(age time.Duration) {
	c.cleanupAge = age
	log.Info().Dur("cleanup_age", age).Msg("Cleanup age updated")
}

// GetMaxEntries returns max entries retained per session after pruning.
func (c *Cleanup) GetMaxEntries() int {
	return c.maxEntries
}

// SetMaxEntries sets max entries retained per session after pruning.
func (c *Cleanup) SetMaxEntries(maxEntries int) {
	c.maxEntries = maxEntries
	log.Info().Int("max_entries", maxEntries).Msg("Session pruning max entries updated")
}

// Stats reports what a cleanup pass would touch.
func (c *Cleanup) Stats() (map[string]interface{}, error) {
	infos, err := c.manager.List()
	if err != nil {
		return nil, err
	}

	archiveDir := filepath.Join(c.manager.Dir(), archiveDirName)
	archiveCount := 0
	eligible := 0
	now := time.Now()

	if entries, err := os.ReadDir(archiveDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			archiveCount++
			if fi, err := entry.Info(); err == nil && now.Sub(fi.ModTime()) >= c.cleanupAge {
				eligible++
			}
		}
	}

	return map[string]interface{}{
		"live_sessions":        len(infos),
		"archived_sessions":    archiveCount,
		"eligible_for_cleanup": eligible,
		"cleanup_age":          c.cleanupAge.String(),
		"running":              c.running,
	}, nil
}
