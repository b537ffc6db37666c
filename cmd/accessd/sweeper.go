package main

import (
	"context"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const sweeperActor = "accessd:sweeper"

// startSweeper schedules the expiry sweep. Overlapping runs are skipped.
func startSweeper(schedule string, store *rbac.AssignmentStore, logger logrus.FieldLogger) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(schedule, func() { sweep(context.Background(), store, logger) }); err != nil {
		return nil, fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	c.Start()
	logger.WithField("schedule", schedule).Info("expiry sweeper started")
	return c, nil
}

func sweep(ctx context.Context, store *rbac.AssignmentStore, logger logrus.FieldLogger) {
	defer observability.RecoverPanic(logger, "expiry-sweeper")

	res, err := store.SweepExpired(audit.WithActor(ctx, sweeperActor))
	if err != nil {
		logger.WithError(err).Error("expiry sweep failed")
		return
	}
	if n := len(res.Assignments) + len(res.Overrides); n > 0 {
		logger.WithFields(logrus.Fields{
			"assignments": len(res.Assignments),
			"overrides":   len(res.Overrides),
		}).Info("expired access deactivated")
	}
}
