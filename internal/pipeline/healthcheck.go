package pipeline

import (
	"context"
	"time"

	"github.com/duckclient/duckclient/internal/container"
)

// CoreHealth is a read-only snapshot of the orchestrator's two external
// collaborators: the metadata store and the container runtime. It never
// starts a mutating pipeline run, so it may be called concurrently with
// itself and with any in-flight mutator. The metadata store serializes its
// individual calls only; nothing orders a health check against a whole
// mutating run.
type CoreHealth struct {
	StoreReachable bool
	StoreError     string
	CurrentVersion string
	Container      container.HealthReport
	ContainerError string
	CheckedAt      time.Time
}

// HealthCheck gives an operator a snapshot between scheduled auto-backups
// without starting Upgrade/FirstDeployment (teacher analog:
// migrations.HealthChecker, adapted from "can we reach Postgres" to "can we
// reach the metadata store and is the stack healthy").
func (o *Orchestrator) HealthCheck(ctx context.Context) CoreHealth {
	h := CoreHealth{CheckedAt: time.Now().UTC()}

	if raw, found, err := o.deps.Store.GetConfig(configKeyCurrentVersion); err != nil {
		h.StoreError = err.Error()
	} else {
		h.StoreReachable = true
		if found {
			h.CurrentVersion = raw
		}
	}

	if o.deps.Container != nil {
		report, err := o.deps.Container.HealthCheck(ctx)
		if err != nil {
			h.ContainerError = err.Error()
		}
		h.Container = report
	} else {
		h.Container = container.HealthReport{Overall: container.StateNoContainer}
	}

	return h
}
