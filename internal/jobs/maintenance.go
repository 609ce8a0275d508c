package jobs

import (
	"context"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/session"
	"github.com/marcus-qen/ecoscan/internal/users"
)

// Job names.
const (
	SessionCleanup      = "session-cleanup"
	VerificationCleanup = "verification-cleanup"
	AuditPurge          = "audit-purge"
)

// Schedules holds the cron spec of each maintenance job.
type Schedules struct {
	SessionCleanup      string
	VerificationCleanup string
	AuditPurge          string
	AuditRetention      time.Duration
}

// RegisterMaintenance wires the cleanup tasks into s. A non-positive
// AuditRetention disables the audit purge schedule.
func RegisterMaintenance(s *Scheduler, sched Schedules, sessions *session.Store, accounts *users.Store, auditLog *audit.Store) error {
	if err := s.Register(SessionCleanup, sched.SessionCleanup, func(ctx context.Context) (int64, error) {
		n, err := sessions.Cleanup(ctx)
		return int64(n), err
	}); err != nil {
		return err
	}
	if err := s.Register(VerificationCleanup, sched.VerificationCleanup, func(ctx context.Context) (int64, error) {
		n, err := accounts.CleanupVerifications(ctx)
		return int64(n), err
	}); err != nil {
		return err
	}
	purgeSpec := sched.AuditPurge
	if sched.AuditRetention <= 0 {
		purgeSpec = ""
	}
	return s.Register(AuditPurge, purgeSpec, func(ctx context.Context) (int64, error) {
		return auditLog.Purge(ctx, sched.AuditRetention)
	})
}
