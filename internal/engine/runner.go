package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
)

// EnsureRunner spawns the timer loop for a session if one is not already
// running. Safe to call on every attach; the first caller wins. The runner
// outlives attachments and stops itself once the session is terminal.
func (e *Engine) EnsureRunner(sessionID uuid.UUID) {
	e.mu.Lock()
	if _, ok := e.runners[sessionID]; ok {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.runners[sessionID] = stop
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runLoop(sessionID, stop)
}

// RunnerActive reports whether a timer loop currently exists for the session.
func (e *Engine) RunnerActive(sessionID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[sessionID]
	return ok
}

// Shutdown stops every runner and waits for them to drain.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, stop := range e.runners {
		close(stop)
	}
	e.runners = make(map[uuid.UUID]chan struct{})
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) dropRunner(sessionID uuid.UUID) {
	e.mu.Lock()
	delete(e.runners, sessionID)
	e.mu.Unlock()
}

func (e *Engine) runLoop(sessionID uuid.UUID, stop <-chan struct{}) {
	defer e.wg.Done()
	defer e.dropRunner(sessionID)

	e.log.Debug("runner started", zap.String("session_id", sessionID.String()))

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done := e.tick(ctx, sessionID); done {
				return
			}
		}
	}
}

// tick is one pass of the timer loop. It reloads the session, enforces the
// countdown and reports whether the loop should exit. The database is
// authoritative; the runner holds no state between ticks, so extensions and
// terminations from any node are picked up on the next pass.
func (e *Engine) tick(ctx context.Context, sessionID uuid.UUID) bool {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if db.IsNoRows(err) {
			e.log.Warn("runner session vanished", zap.String("session_id", sessionID.String()))
			return true
		}
		e.log.Warn("runner reload failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		return false
	}

	if s.Status.IsTerminal() {
		// A settle failure at termination leaves the terminal row with its
		// payouts still processing. Settlement is idempotent, so re-running
		// it here retries until the credit lands.
		if err := e.settle(ctx, s); err != nil {
			e.log.Warn("settlement retry failed",
				zap.String("session_id", s.ID.String()), zap.Error(err))
			return false
		}
		return true
	}

	// No countdown until the listener accepts.
	if s.StartedAt == nil {
		return false
	}

	now := time.Now()
	remaining := s.RemainingMinutes(now)

	if remaining <= 0 {
		return e.expire(ctx, sessionID)
	}

	if remaining <= e.cfg.WarningThreshold {
		won, err := e.store.MarkSessionWarningSent(ctx, s.ID)
		if err != nil {
			e.log.Warn("warning flag update failed",
				zap.String("session_id", s.ID.String()), zap.Error(err))
		} else if won {
			e.publishCall(ctx, s, EventTimeWarning, callState(EventTimeWarning, s, now))
		}
	}

	e.publishCall(ctx, s, EventTimeUpdate, callState(EventTimeUpdate, s, now))
	return false
}

// expire runs the timeout path: announce, terminate, settle, announce again,
// then linger for the grace period so attached clients receive the final
// event before the runner exits. The session is reloaded under the lock, so
// an extension or termination that committed since the tick's load is
// honored. It reports whether the runner is done with the session; false
// means the next tick retries.
func (e *Engine) expire(ctx context.Context, sessionID uuid.UUID) bool {
	unlock := e.sessionLocks.Lock(sessionID.String())
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		e.log.Warn("expiry reload failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		return db.IsNoRows(err)
	}
	if s.Status.IsTerminal() {
		return true
	}
	now := time.Now()
	if s.RemainingMinutes(now) > 0 {
		// An extension landed between the tick's load and the lock.
		return false
	}

	e.publishCall(ctx, s, EventCallEnding, EndPayload{
		CallState: callState(EventCallEnding, s, now),
		Reason:    EndReasonTimeout,
	})

	terminated, err := e.terminate(ctx, s, db.SessionStatusTimeout, EndReasonTimeout, now)
	if err != nil {
		e.log.Error("timeout termination failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		return false
	}
	if terminated.Status != db.SessionStatusTimeout {
		// Someone else ended the call between reload and terminate.
		return true
	}

	e.publishCall(ctx, terminated, EventCallEnded, EndPayload{
		CallState:   callState(EventCallEnded, terminated, now),
		Reason:      terminated.EndReason,
		MinutesUsed: terminated.MinutesUsed,
	})
	e.notifyEnded(ctx, terminated, terminated.EndReason)

	if e.cfg.EndGrace > 0 {
		time.Sleep(e.cfg.EndGrace)
	}
	return true
}
