package override

import (
	"mercator-hq/prgate/pkg/scheduler"
)

// ExpiryJob returns the cron job that runs ExpireDue on schedule.
func (s *Service) ExpiryJob(schedule string) scheduler.Job {
	return scheduler.Job{
		Name:     "override-expiry",
		Schedule: schedule,
		Run:      s.ExpireDue,
	}
}
