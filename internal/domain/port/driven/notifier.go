package driven

import "context"

// Notifier is the driven port for operator alerts. The vault raises one when
// a page runs out of usable credentials; delivery is best-effort and must
// never block or fail a credential lookup.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}
