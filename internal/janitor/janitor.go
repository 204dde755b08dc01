// Package janitor removes rooms that have had no writes for a
// configured idle period. Disabled by default; enable via config.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codesathi/backend/internal/db"
	"github.com/codesathi/backend/internal/room"
)

type Config struct {
	Interval time.Duration
	MaxIdle  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		MaxIdle:  0, // 0 disables deletion entirely
	}
}

// occupancy reports who is connected to a room right now. Occupied
// rooms are never reaped, no matter how stale their last write is.
type occupancy interface {
	MembersOf(roomID, excluding string) []string
}

type Service struct {
	database *db.Database
	store    *room.Store
	registry occupancy
	config   Config
	logger   *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(database *db.Database, store *room.Store, registry occupancy, config Config, logger *slog.Logger) *Service {
	return &Service{
		database: database,
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	if s.config.MaxIdle <= 0 {
		s.logger.Info("janitor disabled", "max_idle", s.config.MaxIdle)
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Info("janitor started", "interval", s.config.Interval, "max_idle", s.config.MaxIdle)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	if s.config.MaxIdle <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.config.MaxIdle)
	stale, err := s.database.ListRoomsIdleBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("janitor: list stale rooms", "error", err)
		return
	}

	reaped := 0
	for _, roomID := range stale {
		if len(s.registry.MembersOf(roomID, "")) > 0 {
			continue
		}
		if err := s.store.Delete(ctx, roomID); err != nil {
			s.logger.Error("janitor: delete room", "room", roomID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		s.logger.Info("janitor reaped idle rooms", "count", reaped)
	}
}

// SweepNow runs a single sweep outside the ticker schedule.
func (s *Service) SweepNow() {
	s.sweep()
}
