package services

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// MinSweepInterval is the shortest interval the sweeper accepts.
const MinSweepInterval = time.Minute

// Sweeper periodically materializes expired requests and no-shows. Each
// candidate is re-checked under its booking keys before it changes.
type Sweeper struct {
	bookings *BookingService
	interval time.Duration
}

// NewSweeper creates a Sweeper. Intervals below MinSweepInterval are raised.
func NewSweeper(bookings *BookingService, interval time.Duration) *Sweeper {
	if interval < MinSweepInterval {
		interval = MinSweepInterval
	}
	return &Sweeper{bookings: bookings, interval: interval}
}

// Interval returns the effective tick interval.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// RunOnce performs a single sweep and reports how many bookings changed.
func (s *Sweeper) RunOnce(ctx context.Context) (expired, noShows int) {
	expired, err := s.bookings.ExpireStaleRequests(ctx)
	if err != nil {
		log.Errorf("[Sweeper] expiring stale requests failed: %v", err)
	}
	noShows, err = s.bookings.MarkNoShows(ctx)
	if err != nil {
		log.Errorf("[Sweeper] marking no-shows failed: %v", err)
	}
	if expired > 0 || noShows > 0 {
		log.Infof("[Sweeper] expired=%d no_show=%d", expired, noShows)
	}
	return expired, noShows
}

// Start runs the sweeper until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	log.Infof("[Sweeper] started, interval=%s", s.interval)
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("[Sweeper] stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}
