package outbox

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxrouter/limits"
)

// Packet is the minimal payload a Transport sends; Router and Scheduler
// never interpret Payload, only MessageID for dedup/ack correlation.
type Packet struct {
	MessageID string
	Payload   []byte
}

// Transport is the capability surface the scheduler dispatches through.
// The concrete implementations (direct/selfOnion/onionRouter) live in the
// transport package; outbox only depends on this narrow interface to avoid
// a package cycle (§9 "communicate through channels/callbacks").
type Transport interface {
	Name() string
	Send(ctx context.Context, convID string, p Packet) error
}

// terminalError lets a transport mark a failure as non-retryable on the same
// transport (spec §4.7 step 4: "terminal... moves to next fallback transport
// immediately; transient returns record to pending with backoff").
type terminalError interface {
	error
	Terminal() bool
}

// RouteController is the narrow interface the scheduler needs from
// route.Controller: pick a transport ordering and receive health feedback.
type RouteController interface {
	DecideTransport(convID string) (primary string, fallbacks []string)
	ReportSendFail(convID, transportName string)
	ReportSendSuccess(convID, transportName string)
}

// TransportRegistry resolves a transport by name.
type TransportRegistry interface {
	Get(name string) (Transport, bool)
}

// Clock abstracts time for deterministic scheduler tests.
type Clock interface {
	NowMs() int64
}

// systemClock is the default Clock using wall-clock time.
type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// Scheduler implements the single-threaded cooperative loop described in
// spec §4.7/§5: claim due records, ask the route controller for a transport,
// dispatch, and reconcile acks/backoff/expiry. One Tick == one wake.
type Scheduler struct {
	store       *Store
	route       RouteController
	transports  TransportRegistry
	clock       Clock
	maxAttempts int
	ackDeadline int64 // ms
	sendTimeout time.Duration
	claimLimit  int
}

// NewScheduler wires a Scheduler with the spec's default tuning
// (maxAttempts=8, ack deadline=30s, per-send deadline=10s).
func NewScheduler(store *Store, route RouteController, transports TransportRegistry) *Scheduler {
	return &Scheduler{
		store:       store,
		route:       route,
		transports:  transports,
		clock:       systemClock{},
		maxAttempts: DefaultMaxAttempts,
		ackDeadline: DefaultAckDeadlineMs,
		sendTimeout: 10 * time.Second,
		claimLimit:  32,
	}
}

// SetClock overrides the time source, for deterministic tests.
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// Backoff computes the spec's retry delay: min(2^attempts*500ms, 60s) ± 20%
// jitter. attempts is the count *after* the failed attempt being backed off.
func Backoff(attempts int) time.Duration {
	base := 500 * time.Millisecond
	ceiling := 60 * time.Second

	d := base
	for i := 0; i < attempts && d < ceiling; i++ {
		d *= 2
		if d > ceiling {
			d = ceiling
			break
		}
	}
	if d > ceiling {
		d = ceiling
	}

	jitter := float64(d) * 0.2
	delta := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		result = 0
	}
	return result
}

// Tick claims every due record and dispatches it. Dispatch happens on its own
// goroutine per record so a slow transport.Send never blocks the scheduler
// loop or lets a second Tick observe anything but the already-claimed
// in_flight status (spec §8 scenario 6).
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.NowMs()
	claimed := s.store.ClaimDue(now, s.claimLimit, s.ackDeadline)

	logrus.WithFields(logrus.Fields{
		"function": "Scheduler.Tick",
		"claimed":  len(claimed),
		"now_ms":   now,
	}).Debug("scheduler tick claimed due records")

	for _, rec := range claimed {
		go s.dispatch(ctx, rec)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, rec *Record) {
	primary, fallbacks := s.route.DecideTransport(rec.ConvID)
	candidates := append([]string{primary}, fallbacks...)

	packet := Packet{MessageID: rec.MessageID, Payload: []byte(rec.Ciphertext)}

	if err := limits.ValidateProcessingBuffer(packet.Payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.dispatch",
			"message_id": rec.MessageID,
			"error":      err.Error(),
		}).Error("dropping record: payload fails size validation")
		s.store.Delete(rec.MessageID)
		return
	}

	for i, name := range candidates {
		transport, ok := s.transports.Get(name)
		if !ok {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		err := transport.Send(sendCtx, rec.ConvID, packet)
		cancel()

		if err == nil {
			s.route.ReportSendSuccess(rec.ConvID, name)
			logrus.WithFields(logrus.Fields{
				"function":   "Scheduler.dispatch",
				"message_id": rec.MessageID,
				"transport":  name,
			}).Info("send succeeded, awaiting ack")
			return
		}

		s.route.ReportSendFail(rec.ConvID, name)
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.dispatch",
			"message_id": rec.MessageID,
			"transport":  name,
			"error":      err.Error(),
		}).Warn("send attempt failed")

		var terr terminalError
		isTerminal := false
		if te, ok := err.(terminalError); ok {
			terr = te
			isTerminal = terr.Terminal()
		}
		if isTerminal && i < len(candidates)-1 {
			continue // try next fallback transport immediately
		}
		break
	}

	s.retry(rec)
}

func (s *Scheduler) retry(rec *Record) {
	now := s.clock.NowMs()
	attempts := rec.Attempts + 1
	next := now + Backoff(attempts).Milliseconds()
	if err := s.store.ReleaseForRetry(rec.MessageID, now, next); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.retry",
			"message_id": rec.MessageID,
			"error":      err.Error(),
		}).Warn("failed to release record for retry")
	}
}

// Ack reconciles an inbound acknowledgment by deleting the outbox record
// (spec: "ack arrival deletes the record").
func (s *Scheduler) Ack(messageID string) bool {
	return s.store.Ack(messageID)
}

// SweepAckDeadlines returns in-flight records whose ack deadline elapsed
// without an ack to pending with backoff.
func (s *Scheduler) SweepAckDeadlines() {
	now := s.clock.NowMs()
	for _, rec := range s.store.All() {
		if rec.Status == StatusInFlight && rec.AckDeadlineMs > 0 && rec.AckDeadlineMs <= now {
			s.retry(rec)
		}
	}
}

// SweepExpired deletes records past their TTL or attempt cap.
func (s *Scheduler) SweepExpired() []string {
	return s.store.DeleteExpired(s.clock.NowMs(), s.maxAttempts)
}
