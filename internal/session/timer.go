package session

import (
	"context"
	"sync"
	"time"
)

// State is the conceptual session state derived from the store.
type State int

const (
	NoSession State = iota
	ValidSession
	ExpiringSoon
	Expired
	Refreshing
)

func (s State) String() string {
	switch s {
	case ValidSession:
		return "valid"
	case ExpiringSoon:
		return "expiring-soon"
	case Expired:
		return "expired"
	case Refreshing:
		return "refreshing"
	}
	return "no-session"
}

// State reports where the session currently is.
func (m *Manager) State(ctx context.Context) State {
	if m.refreshing.Load() {
		return Refreshing
	}
	if _, ok := m.AccessToken(ctx); !ok {
		return NoSession
	}
	switch {
	case m.IsTokenExpired(ctx):
		return Expired
	case m.IsTokenExpiringSoon(ctx):
		return ExpiringSoon
	}
	return ValidSession
}

// refreshIfDue renews a token that is expiring soon but still usable. Expired
// tokens are left to the next caller of ValidToken.
func (m *Manager) refreshIfDue(ctx context.Context, trigger string) {
	if _, ok := m.AccessToken(ctx); !ok {
		return
	}
	if !m.IsTokenExpiringSoon(ctx) || m.IsTokenExpired(ctx) {
		return
	}
	m.log.Debugf("proactive refresh (%s)", trigger)
	if !m.RefreshAccessToken(ctx) {
		m.log.Warnf("proactive refresh (%s) failed", trigger)
	}
}

// StartRefreshTimer checks the token every poll interval and refreshes it
// proactively when due. Each call starts its own loop; call it once per
// process. The loop ends when ctx is done or stop is called.
func (m *Manager) StartRefreshTimer(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := m.pollInterval
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshIfDue(ctx, "timer")
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Init starts the refresh timer and reacts to foreground signals (the
// equivalent of a browser tab becoming visible again) with the same check.
// A nil channel disables the foreground hook.
func (m *Manager) Init(ctx context.Context, foreground <-chan struct{}) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	stopTimer := m.StartRefreshTimer(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-foreground:
				if !ok {
					foreground = nil
					continue
				}
				m.refreshIfDue(ctx, "foreground")
			}
		}
	}()
	m.log.Infof("session keep-alive started (poll every %s, window %s)", m.pollInterval, m.window)
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stopTimer()
			<-done
		})
	}
}
