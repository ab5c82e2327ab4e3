package emcache

import "errors"

// retriable reports whether a failure may be retried against another
// ring candidate. Only transient transport and pooling failures qualify;
// encoding failures and server statuses are meaningful results and are
// never retried. The dispatcher additionally restricts retries to
// idempotent commands, since replaying a mutation could apply it twice.
func retriable(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrPoolSaturated)
}
