package toxrouter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Start launches every wired subsystem — registered transports, the
// optional local onion controller, the optional Tor/Lokinet supervisors,
// and the scheduler's tick loop. Transports are started before it returns;
// the supervisors, the controller and the tick loop are launched in
// goroutines, and Start does not wait for them to be running.
// Individual subsystem failures are logged rather than aborting the whole
// router, mirroring the teacher's toxcore.New/Iterate split between
// construction and best-effort background operation.
func (r *Router) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for _, t := range r.registry.All() {
		if err := t.Start(runCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Router.Start",
				"transport": t.Name(),
				"error":     err.Error(),
			}).Error("transport failed to start")
		}
	}

	if r.torSupervisor != nil {
		go r.avail.watch(r.torSupervisor.Subscribe(), true)
		go func() {
			if err := r.torSupervisor.Start(runCtx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Router.Start",
					"network":  "tor",
					"error":    err.Error(),
				}).Warn("tor supervisor failed to start")
			}
		}()
	}
	if r.lokinetSupervisor != nil {
		go r.avail.watch(r.lokinetSupervisor.Subscribe(), false)
		go func() {
			if err := r.lokinetSupervisor.Start(runCtx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Router.Start",
					"network":  "lokinet",
					"error":    err.Error(),
				}).Warn("lokinet supervisor failed to start")
			}
		}()
	}

	if r.controller != nil {
		go func() {
			if err := r.controller.Start(runCtx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Router.Start",
					"error":    err.Error(),
				}).Warn("local onion controller failed to start")
			}
		}()
	}

	go r.tickLoop(runCtx)

	logrus.WithFields(logrus.Fields{
		"function":      "Router.Start",
		"self_device_id": r.selfDeviceID,
	}).Info("router started")

	return nil
}

// Stop tears down every subsystem Start launched. It is safe to call
// multiple times.
func (r *Router) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for _, t := range r.registry.All() {
		if err := t.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Router.Stop",
				"transport": t.Name(),
				"error":     err.Error(),
			}).Warn("transport failed to stop cleanly")
		}
	}

	if r.torSupervisor != nil {
		_ = r.torSupervisor.Stop()
	}
	if r.lokinetSupervisor != nil {
		_ = r.lokinetSupervisor.Stop()
	}

	logrus.WithFields(logrus.Fields{"function": "Router.Stop"}).Info("router stopped")
	return nil
}

// TickInterval returns the scheduler wake-up cadence, mirroring the
// teacher's Tox.IterationInterval accessor.
func (r *Router) TickInterval() time.Duration {
	return r.tickInterval
}

// tickLoop drives the scheduler: claim-and-dispatch due records, sweep
// expired ack deadlines back to pending, and delete records past their
// TTL/attempt cap — the spec §5/§8 "one Tick == one wake" cooperative loop,
// grounded on the teacher's Iterate/IterationInterval polling idiom.
func (r *Router) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scheduler.Tick(ctx)
			r.scheduler.SweepAckDeadlines()
			for _, messageID := range r.scheduler.SweepExpired() {
				r.handleExpired(messageID)
			}
		}
	}
}

// handleExpired marks a friend unreachable-adjacent failure when a pending
// control frame's record is swept out by TTL/attempt-cap expiry without
// ever being acked.
func (r *Router) handleExpired(messageID string) {
	r.mu.Lock()
	f, pending := r.pendingControlFriend[messageID]
	if pending {
		delete(r.pendingControlFriend, messageID)
	}
	r.mu.Unlock()

	if pending {
		f.Health().RecordFailure(time.Now())
	}
}
