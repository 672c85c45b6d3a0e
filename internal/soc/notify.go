package soc

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

const notifyTimeout = 15 * time.Second

// Notifier delivers an incident to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, inc incident.Incident) error
}

// NotifyObserver returns a ledger observer that fans incidents at or above
// minSeverity out to every notifier. Delivery runs in the background and
// failures are only logged.
func NotifyObserver(logger log.Logger, minSeverity float64, notifiers ...Notifier) incident.Observer {
	if logger == nil {
		logger = log.Nop()
	}
	return func(ctx context.Context, inc incident.Incident) {
		if inc.Severity < minSeverity || len(notifiers) == 0 {
			return
		}
		ctx = context.WithoutCancel(ctx)
		for _, n := range notifiers {
			go func() {
				ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
				defer cancel()
				if err := n.Notify(ctx, inc); err != nil {
					logger.Error(ctx, err, "incident notification failed",
						"notifier", n.Name(),
						"incident_id", inc.ID,
					)
				}
			}()
		}
	}
}
