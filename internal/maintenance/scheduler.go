// Package maintenance runs the periodic housekeeping jobs: purging old
// queue history and clearing the image temp directory.
package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atelierbot/atelier/internal/logger"
)

const (
	purgeSchedule   = "0 2 * * *"
	tempDirSchedule = "30 11 * * *"
)

type Scheduler struct {
	cron *cron.Cron
}

// New wires the nightly jobs. historyAge bounds how long finished draw
// requests are kept; tempAge bounds downloaded image files.
func New(tz *time.Location, purge func(time.Duration) int, cleanTemp func(time.Duration) int, historyAge, tempAge time.Duration) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(tz))

	_, err := c.AddFunc(purgeSchedule, func() {
		removed := purge(historyAge)
		logger.Info("Purged old draw history", "removed", removed, "max_age", historyAge)
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc(tempDirSchedule, func() {
		removed := cleanTemp(tempAge)
		logger.Info("Cleaned image temp dir", "removed", removed, "max_age", tempAge)
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
