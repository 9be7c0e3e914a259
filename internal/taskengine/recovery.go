package taskengine

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/sequentech/orchestra/pkg/logger"
)

// RecoverFunc performs one recovery sweep: resuming any task left
// mid-flight by a prior process that died before completing it,
// mirroring the original's reboot-time "doing" flag reset (spec.md
// §4.1's resume-in-flight requirement).
type RecoverFunc func(ctx context.Context) error

// Recovery runs a RecoverFunc on a cron schedule using robfig/cron,
// the scheduling library the teacher's automation service tests
// against, in place of a bespoke ticker goroutine.
type Recovery struct {
	cron *cron.Cron
	log  *logger.Logger
}

// NewRecovery builds a Recovery that will invoke fn according to
// spec (standard five-field cron syntax) once Start is called.
func NewRecovery(spec string, fn RecoverFunc, log *logger.Logger) (*Recovery, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil && log != nil {
			log.WithField("err", err).Error("recovery sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Recovery{cron: c, log: log}, nil
}

// Start begins the cron schedule in the background.
func (r *Recovery) Start() { r.cron.Start() }

// Stop cancels the schedule and waits for any in-flight run to
// finish.
func (r *Recovery) Stop() { <-r.cron.Stop().Done() }
