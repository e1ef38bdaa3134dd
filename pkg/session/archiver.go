package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	archiverTickEvery   = 5 * time.Minute
	archiverMinMessages = 1
)

// Archiver moves idle sessions into the archive directory so the live
// listing stays focused on active conversations.
type Archiver struct {
	manager     *Manager
	idleTimeout time.Duration
	stopCh      chan struct{}
	running     bool
}

// NewArchiver creates a new session archiver
func NewArchiver(manager *Manager, idleTimeout time.Duration) *Archiver {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Archiver{
		manager:     manager,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the archiver
func (a *Archiver) Start() error {
	if a.running {
		return fmt.Errorf("archiver is already running")
	}

	a.running = true
	go a.run()

	log.Info().
		Dur("idle_timeout", a.idleTimeout).
		Msg("Session archiver started")

	return nil
}

// Stop stops the archiver
func (a *Archiver) Stop() error {
	if !a.running {
		return fmt.Errorf("archiver is not running")
	}

	close(a.stopCh)
	a.running = false

	log.Info().Msg("Session archiver stopped")

	return nil
}

func (a *Archiver) run() {
	ticker := time.NewTicker(archiverTickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.ArchiveIdle(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to archive idle sessions")
			}
		case <-a.stopCh:
			return
		}
	}
}

// ArchiveIdle archives every live session whose last activity is older
// than the idle timeout. Empty sessions are skipped; there is nothing
// worth keeping in them.
func (a *Archiver) ArchiveIdle(ctx context.Context) error {
	infos, err := a.manager.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	archived := 0

	for _, info := range infos {
		if info.MessageCount < archiverMinMessages {
			continue
		}
		if now.Sub(info.UpdatedAt) < a.idleTimeout {
			continue
		}

		if _, err := a.manager.Archive(ctx, info.Key); err != nil {
			log.Error().
				Str("session_key", info.Key).
				Err(err).
				Msg("Failed to archive session")
			continue
		}
		archived++
	}

	if archived > 0 {
		log.Info().
			Int("archived", archived).
			Msg("Archived idle sessions")
	}

	return nil
}

// IsRunning returns whether the archiver is running
func (a *Archiver) IsRunning() bool {
	return a.running
}

// GetIdleTimeout returns the idle timeout
func (a *Archiver) GetIdleTimeout() time.Duration {
	return a.idleTimeout
}

// SetIdleTimeout sets the idle timeout
func (a *Archiver) SetIdleTimeout(timeout time.Duration) {
	a.idleTimeout = timeout
	log.Info().Dur("idle_timeout", timeout).Msg("Idle timeout updated")
}
