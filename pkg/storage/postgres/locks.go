package postgres

import (
	"context"
	"fmt"
	"time"
)

const lockReleaseTimeout = 5 * time.Second

// TryAdvisoryLock takes a session-level advisory lock without
// blocking. The lock rides a dedicated connection so pool reuse
// cannot hand it to another caller; release unlocks and returns the
// connection. Release runs on its own timeout so a cancelled job
// context cannot strand the lock, and even if the unlock statement
// fails, closing the connection ends the session and frees it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.cm.Primary().Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if _, err := conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.WithError(err).WithField("lock_key", key).Warn("Failed to release advisory lock")
		}
		conn.Close()
	}
	return release, true, nil
}
