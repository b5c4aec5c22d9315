package mail

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
)

// Nop is a sender that delivers nothing. It stands in for the Mailer when
// email is disabled so the rest of the run, including commit bookkeeping,
// behaves exactly as it would with delivery on.
type Nop struct {
	logger log.Logger
}

// NewNop returns a no-op sender.
func NewNop(logger log.Logger) *Nop {
	if logger == nil {
		logger = log.Nop()
	}
	return &Nop{logger: logger}
}

// Send logs what would have been delivered and reports success.
func (n *Nop) Send(ctx context.Context, job *Job) error {
	n.logger.Info(ctx, "email disabled, skipping delivery",
		"alert", job.AlertName,
		"target", job.Target,
		"cc", len(job.CC),
		"rows", len(job.Rows),
		"subject", job.Subject,
	)
	return nil
}
