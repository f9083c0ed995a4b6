// Package simulator advances shipments through their status machine,
// one goroutine per active tracking number.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/store"
	"signment/internal/types"
)

const (
	// pausePoll is how often a paused simulation re-checks its flag.
	pausePoll = 5 * time.Second

	saveAttempts = 5
)

// Publisher receives shipment updates as they are committed. The web
// tier plugs its websocket hub in here; the bot and worker processes
// run without one.
type Publisher interface {
	PublishUpdate(sh *types.Shipment)
}

// Simulator owns the per-shipment simulation goroutines. Starting an
// already running tracking number is a no-op.
type Simulator struct {
	cfg   *config.Config
	store *store.Store
	cache cache.Cache
	pub   Publisher
	log   *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	rng       *rand.Rand
	rngMu     sync.Mutex
	nowFunc   func() time.Time
	pauseWait time.Duration
}

// New builds a simulator. pub may be nil.
func New(cfg *config.Config, st *store.Store, c cache.Cache, pub Publisher, log *zap.Logger) *Simulator {
	return &Simulator{
		cfg:       cfg,
		store:     st,
		cache:     c,
		pub:       pub,
		log:       log,
		running:   make(map[string]context.CancelFunc),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFunc:   time.Now,
		pauseWait: pausePoll,
	}
}

// SetPublisher installs the update publisher. Called once during
// wiring, before any simulation starts.
func (s *Simulator) SetPublisher(pub Publisher) {
	s.pub = pub
}

// Start launches the simulation for a tracking number unless one is
// already running or the shipment is terminal.
func (s *Simulator) Start(ctx context.Context, trackingNumber string) {
	s.mu.Lock()
	if _, ok := s.running[trackingNumber]; ok {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running[trackingNumber] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, trackingNumber)
			s.mu.Unlock()
			cancel()
		}()
		s.run(runCtx, trackingNumber)
	}()
}

// Stop cancels the simulation for one tracking number.
func (s *Simulator) Stop(trackingNumber string) {
	s.mu.Lock()
	cancel, ok := s.running[trackingNumber]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a simulation goroutine is active.
func (s *Simulator) Running(trackingNumber string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[trackingNumber]
	return ok
}

// ActiveCount returns the number of running simulations.
func (s *Simulator) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until every simulation goroutine has exited.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// RestartActive resumes simulations for every non-terminal shipment.
// Called once at startup so restarts do not strand in-flight shipments.
func (s *Simulator) RestartActive(ctx context.Context) error {
	active := []string{
		types.StatusPending,
		types.StatusInTransit,
		types.StatusOutForDelivery,
		types.StatusDelayed,
	}
	numbers, _, err := s.store.List(ctx, 1, 10000, active)
	if err != nil {
		return fmt.Errorf("list active shipments: %w", err)
	}
	for _, tn := range numbers {
		s.Start(ctx, tn)
	}
	if len(numbers) > 0 {
		s.log.Info("resumed active simulations", zap.Int("count", len(numbers)))
	}
	return nil
}

// run drives one shipment until it reaches a terminal status, the
// simulation window closes or ctx is cancelled.
func (s *Simulator) run(ctx context.Context, trackingNumber string) {
	log := s.log.With(zap.String("tracking_number", trackingNumber))

	sh, err := s.store.Get(ctx, trackingNumber)
	if err != nil {
		log.Warn("simulation aborted, shipment unavailable", zap.Error(err))
		return
	}
	if sh.Terminal() {
		return
	}

	route := s.cfg.RouteFor(sh.DeliveryLocation, sh.OriginLocation)
	routeIdx := s.routePosition(sh, route)
	deadline := s.nowFunc().Add(time.Duration(s.cfg.Simulator.MaxSimulationDays) * 24 * time.Hour)

	log.Info("simulation started",
		zap.String("status", sh.Status),
		zap.Int("route_len", len(route)))

	for {
		if s.nowFunc().After(deadline) {
			log.Warn("simulation window exceeded, stopping")
			return
		}

		paused, err := s.cache.Paused(ctx, trackingNumber)
		if err != nil {
			log.Warn("pause check failed", zap.Error(err))
		}
		if paused {
			if !s.sleep(ctx, s.pauseWait) {
				return
			}
			continue
		}

		tr, ok := s.cfg.Simulator.Transitions[sh.Status]
		if !ok || len(tr.Next) == 0 {
			log.Info("simulation finished", zap.String("status", sh.Status))
			return
		}

		if !s.sleep(ctx, s.delayFor(ctx, trackingNumber, tr, len(route))) {
			return
		}

		// A pause set during the delay holds the transition.
		if paused, _ := s.cache.Paused(ctx, trackingNumber); paused {
			continue
		}

		next := s.pickNext(tr)
		if next == sh.Status {
			continue
		}

		if next == types.StatusInTransit || sh.Status == types.StatusInTransit {
			if routeIdx < len(route)-1 {
				routeIdx++
			}
		}
		location := route[min(routeIdx, len(route)-1)]
		if next == types.StatusOutForDelivery || next == types.StatusDelivered {
			location = sh.DeliveryLocation
		}

		sh.Status = next
		sh.Checkpoints = append(sh.Checkpoints,
			types.CheckpointLine(s.nowFunc(), location, s.eventFor(sh, tr, next, location)))

		saved, err := s.save(ctx, sh)
		if err != nil {
			log.Error("failed to persist transition", zap.Error(err))
			return
		}
		sh = saved

		if err := s.cache.SetShipment(ctx, sh); err != nil {
			log.Warn("shipment cache update failed", zap.Error(err))
		}
		s.enqueueNotifications(ctx, sh)
		if s.pub != nil {
			s.pub.PublishUpdate(sh)
		}

		log.Info("status advanced",
			zap.String("status", sh.Status),
			zap.String("location", location))

		if sh.Terminal() {
			log.Info("simulation finished", zap.String("status", sh.Status))
			return
		}
	}
}

// routePosition recovers how far along the route a resumed shipment is
// from its recorded checkpoints.
func (s *Simulator) routePosition(sh *types.Shipment, route []string) int {
	idx := 0
	for _, cp := range sh.Checkpoints {
		loc := types.CheckpointLocation(cp)
		for i, stop := range route {
			if stop == loc && i > idx {
				idx = i
			}
		}
	}
	return idx
}

// delayFor draws a delay from the transition window, scales it by route
// length and divides by the per-shipment speed multiplier.
func (s *Simulator) delayFor(ctx context.Context, trackingNumber string, tr config.StatusTransition, routeLen int) time.Duration {
	lo, hi := tr.DelaySeconds[0], tr.DelaySeconds[1]
	base := float64(lo)
	if hi > lo {
		s.rngMu.Lock()
		base += float64(s.rng.Intn(hi - lo + 1))
		s.rngMu.Unlock()
	}
	base *= 1 + float64(routeLen)/10

	speed, err := s.cache.Speed(ctx, trackingNumber)
	if err != nil || speed <= 0 {
		speed = 1.0
	}
	return time.Duration(base / cache.ClampSpeed(speed) * float64(time.Second))
}

// pickNext selects the next status according to the configured
// probabilities, defaulting to uniform when none are set.
func (s *Simulator) pickNext(tr config.StatusTransition) string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	if len(tr.Probabilities) != len(tr.Next) {
		return tr.Next[s.rng.Intn(len(tr.Next))]
	}
	roll := s.rng.Float64()
	acc := 0.0
	for i, p := range tr.Probabilities {
		acc += p
		if roll < acc {
			return tr.Next[i]
		}
	}
	return tr.Next[len(tr.Next)-1]
}

// eventFor produces the checkpoint event text for a transition.
func (s *Simulator) eventFor(sh *types.Shipment, tr config.StatusTransition, next, location string) string {
	switch next {
	case types.StatusInTransit:
		if len(sh.Checkpoints) == 0 {
			origin := sh.OriginLocation
			if origin == "" {
				origin = location
			}
			return "Departed from " + origin
		}
		return "In transit at " + location
	case types.StatusOutForDelivery:
		return "Out for delivery in " + sh.DeliveryLocation
	case types.StatusDelivered:
		return "Delivered in " + sh.DeliveryLocation
	case types.StatusReturned:
		return "Returned to sender"
	case types.StatusDelayed:
		if len(tr.Events) > 0 {
			s.rngMu.Lock()
			defer s.rngMu.Unlock()
			return tr.Events[s.rng.Intn(len(tr.Events))]
		}
		return "Shipment delayed"
	default:
		return "Status changed to " + next
	}
}

// save retries transient database failures before giving up.
func (s *Simulator) save(ctx context.Context, sh *types.Shipment) (*types.Shipment, error) {
	var saved *types.Shipment
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), saveAttempts-1), ctx)
	err := backoff.Retry(func() error {
		var err error
		saved, err = s.store.Save(ctx, sh)
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// enqueueNotifications queues email and webhook deliveries for a
// committed transition.
func (s *Simulator) enqueueNotifications(ctx context.Context, sh *types.Shipment) {
	data := types.NotificationData{
		Status:           sh.Status,
		Checkpoints:      sh.Checkpoints,
		DeliveryLocation: sh.DeliveryLocation,
	}

	if sh.RecipientEmail != "" && sh.EmailNotifications {
		d := data
		d.RecipientEmail = sh.RecipientEmail
		if err := s.cache.PushNotification(ctx, types.Notification{
			TrackingNumber: sh.TrackingNumber,
			Type:           types.NotificationEmail,
			Data:           d,
		}); err != nil {
			s.log.Warn("failed to queue email notification", zap.Error(err))
		}
	}

	webhook := sh.WebhookURL
	if webhook == "" {
		webhook = s.cfg.Server.GlobalWebhookURL
	}
	if webhook != "" {
		d := data
		d.WebhookURL = webhook
		if err := s.cache.PushNotification(ctx, types.Notification{
			TrackingNumber: sh.TrackingNumber,
			Type:           types.NotificationWebhook,
			Data:           d,
		}); err != nil {
			s.log.Warn("failed to queue webhook notification", zap.Error(err))
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the wait
// completed.
func (s *Simulator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
