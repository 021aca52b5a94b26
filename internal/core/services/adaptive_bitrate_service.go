package services

import (
	"context"
	"sync"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/utils"

	"github.com/eclesh/welford"
	"go.uber.org/zap"
)

// QualityPublisher receives every quality decision, in order per stream.
type QualityPublisher interface {
	PublishQuality(ctx context.Context, update domain.QualityUpdate)
}

type ABRConfig struct {
	AdjustmentInterval time.Duration
	WindowSize         int
	AgeDecay           float64
	UpgradeScore       float64
	DowngradeScore     float64
	CriticalScore      float64
	CriticalSamples    int
	EmergencyHold      time.Duration
	MaxDropRatio       float64
	TickInterval       time.Duration
}

type scoredSample struct {
	score float64
	at    time.Time
}

// abrController is the state of one stream's control loop.
type abrController struct {
	mu       sync.Mutex
	streamID domain.StreamID
	tier     domain.QualityTier
	bitrate  int
	window   []scoredSample

	lastTransition time.Time
	lastAdjust     time.Time
	adaptationOn   bool
	emergencyUntil time.Time
	pendingCrisis  bool
	criticalRun    int
	qualifiedSince time.Time
	lastScore      float64
	transitions    int

	rtt   *welford.Stats
	loss  *welford.Stats
	score *welford.Stats

	cancel context.CancelFunc
}

// AdaptiveBitrateService runs one controller per live stream.
type AdaptiveBitrateService struct {
	mu          sync.RWMutex
	controllers map[domain.StreamID]*abrController

	cfg       ABRConfig
	quality   *QualityService
	publisher QualityPublisher
	clock     utils.Clock
	metrics   ports.HubMetrics
	logger    *zap.SugaredLogger
}

func NewAdaptiveBitrateService(
	cfg ABRConfig,
	quality *QualityService,
	publisher QualityPublisher,
	clock utils.Clock,
	metrics ports.HubMetrics,
	logger *zap.SugaredLogger,
) *AdaptiveBitrateService {
	return &AdaptiveBitrateService{
		controllers: make(map[domain.StreamID]*abrController),
		cfg:         cfg,
		quality:     quality,
		publisher:   publisher,
		clock:       utils.OrSystem(clock),
		metrics:     orNop(metrics),
		logger:      logger,
	}
}

// Start opens the controller for a stream at its device's initial tier. The
// tick loop runs until Stop or until ctx is done.
func (s *AdaptiveBitrateService) Start(ctx context.Context, streamID domain.StreamID, device domain.DeviceClass) domain.ABRSnapshot {
	tier := domain.InitialTier(device)
	c := &abrController{
		streamID:     streamID,
		tier:         tier,
		bitrate:      domain.QualityProfiles[tier].VideoBitrate,
		adaptationOn: true,
		rtt:          welford.New(),
		loss:         welford.New(),
		score:        welford.New(),
	}

	s.mu.Lock()
	if old, ok := s.controllers[streamID]; ok && old.cancel != nil {
		old.cancel()
	}
	s.controllers[streamID] = c
	s.mu.Unlock()

	if s.cfg.TickInterval > 0 {
		tickCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go s.tickLoop(tickCtx, c)
	}

	s.logger.Infow("abr controller started",
		"stream_id", streamID,
		"tier", tier,
		"bitrate", c.bitrate,
	)
	return s.snapshot(c)
}

// Stop cancels the stream's controller.
func (s *AdaptiveBitrateService) Stop(streamID domain.StreamID) {
	s.mu.Lock()
	c, ok := s.controllers[streamID]
	delete(s.controllers, streamID)
	s.mu.Unlock()

	if ok && c.cancel != nil {
		c.cancel()
	}
}

func (s *AdaptiveBitrateService) controller(streamID domain.StreamID) (*abrController, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.controllers[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return c, nil
}

// Ingest appends a telemetry sample to the stream's window and re-runs the
// decision function.
func (s *AdaptiveBitrateService) Ingest(ctx context.Context, streamID domain.StreamID, sample domain.NetworkSample) (domain.ABRSnapshot, error) {
	c, err := s.controller(streamID)
	if err != nil {
		return domain.ABRSnapshot{}, err
	}

	now := s.clock.Now()
	if sample.ReceivedAt.IsZero() {
		sample.ReceivedAt = now
	}

	c.mu.Lock()
	score := NetworkScore(sample, c.bitrate)
	c.window = append(c.window, scoredSample{score: score, at: now})
	if over := len(c.window) - s.cfg.WindowSize; over > 0 {
		c.window = append(c.window[:0:0], c.window[over:]...)
	}
	c.lastScore = score
	c.rtt.Add(float64(sample.RTT) / float64(time.Millisecond))
	c.loss.Add(sample.PacketLoss)
	c.score.Add(score)

	if score < s.cfg.CriticalScore {
		c.criticalRun++
	} else {
		c.criticalRun = 0
	}
	if c.criticalRun >= s.cfg.CriticalSamples && c.adaptationOn {
		c.pendingCrisis = true
	}

	if score >= s.cfg.UpgradeScore {
		if c.qualifiedSince.IsZero() {
			c.qualifiedSince = now
		}
	} else {
		c.qualifiedSince = time.Time{}
	}

	s.evaluate(ctx, c, now, &score)
	snap := s.snapshotLocked(c)
	c.mu.Unlock()

	s.metrics.NetworkScore(score)
	return snap, nil
}

func (s *AdaptiveBitrateService) tickLoop(ctx context.Context, c *abrController) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, c)
		}
	}
}

func (s *AdaptiveBitrateService) tick(ctx context.Context, c *abrController) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.evaluate(ctx, c, s.clock.Now(), nil)
}

// Tick re-evaluates a stream without a new sample: pending upgrades,
// bitrate convergence and the end of an emergency hold.
func (s *AdaptiveBitrateService) Tick(ctx context.Context, streamID domain.StreamID) error {
	c, err := s.controller(streamID)
	if err != nil {
		return err
	}
	s.tick(ctx, c)
	return nil
}

// evaluate runs the transition policy. sample is the score of the sample that
// triggered the evaluation, nil for timer ticks. Must be called with c.mu held.
func (s *AdaptiveBitrateService) evaluate(ctx context.Context, c *abrController, now time.Time, sample *float64) {
	intervalOK := c.lastTransition.IsZero() || now.Sub(c.lastTransition) >= s.cfg.AdjustmentInterval

	if c.pendingCrisis {
		if c.tier == domain.TierUltraLow || intervalOK {
			s.enterEmergency(ctx, c, now)
		}
		return
	}

	if !c.adaptationOn {
		if now.Before(c.emergencyUntil) {
			return
		}
		c.adaptationOn = true
		c.emergencyUntil = time.Time{}
		c.criticalRun = 0
		c.qualifiedSince = time.Time{}
		s.logger.Infow("abr emergency hold over", "stream_id", c.streamID)
	}

	windowScore := s.windowScore(c)
	chosen := s.quality.TierForScore(windowScore)
	if sample != nil && *sample < s.cfg.DowngradeScore {
		if t := s.quality.TierForScore(*sample); t.Rank() < chosen.Rank() {
			chosen = t
		}
	}

	switch {
	case chosen.Rank() < c.tier.Rank() && intervalOK:
		target := domain.QualityProfiles[chosen].VideoBitrate
		if floor := int(float64(c.bitrate) * s.cfg.MaxDropRatio); floor > target {
			target = floor
		}
		score := windowScore
		if sample != nil {
			score = *sample
		}
		c.qualifiedSince = time.Time{}
		s.transition(ctx, c, now, chosen, target, domain.ReasonDowngrade, score)

	case chosen.Rank() > c.tier.Rank() && intervalOK && s.upgradeQualified(c, now):
		next := c.tier.Step(1)
		// the next step needs its own full qualifying interval
		c.qualifiedSince = now
		s.transition(ctx, c, now, next, domain.QualityProfiles[next].VideoBitrate, domain.ReasonUpgrade, windowScore)

	default:
		s.converge(ctx, c, now, windowScore)
	}
}

func (s *AdaptiveBitrateService) upgradeQualified(c *abrController, now time.Time) bool {
	return !c.qualifiedSince.IsZero() && now.Sub(c.qualifiedSince) >= s.cfg.AdjustmentInterval
}

// converge keeps lowering a capped downgrade toward the tier's own bitrate,
// one capped step per interval.
func (s *AdaptiveBitrateService) converge(ctx context.Context, c *abrController, now time.Time, score float64) {
	want := domain.QualityProfiles[c.tier].VideoBitrate
	if c.bitrate <= want || now.Sub(c.lastAdjust) < s.cfg.AdjustmentInterval {
		return
	}
	next := int(float64(c.bitrate) * s.cfg.MaxDropRatio)
	if next < want {
		next = want
	}
	s.publish(ctx, c, now, c.tier, c.tier, next, domain.ReasonConverge, score)
}

func (s *AdaptiveBitrateService) enterEmergency(ctx context.Context, c *abrController, now time.Time) {
	c.pendingCrisis = false
	c.adaptationOn = false
	c.emergencyUntil = now.Add(s.cfg.EmergencyHold)
	c.qualifiedSince = time.Time{}

	s.logger.Warnw("abr emergency mode",
		"stream_id", c.streamID,
		"score", c.lastScore,
		"hold", s.cfg.EmergencyHold,
	)

	floor := domain.QualityProfiles[domain.TierUltraLow].VideoBitrate
	switch {
	case c.tier != domain.TierUltraLow:
		s.transition(ctx, c, now, domain.TierUltraLow, floor, domain.ReasonEmergency, c.lastScore)
	case c.bitrate != floor:
		s.publish(ctx, c, now, c.tier, c.tier, floor, domain.ReasonEmergency, c.lastScore)
	}
}

func (s *AdaptiveBitrateService) transition(ctx context.Context, c *abrController, now time.Time, tier domain.QualityTier, bitrate int, reason domain.TransitionReason, score float64) {
	prev := c.tier
	c.tier = tier
	c.lastTransition = now
	c.transitions++
	s.metrics.QualityTransition(tier, reason)

	s.logger.Infow("quality transition",
		"stream_id", c.streamID,
		"from", prev,
		"to", tier,
		"bitrate", bitrate,
		"reason", reason,
		"score", score,
	)
	s.publish(ctx, c, now, prev, tier, bitrate, reason, score)
}

func (s *AdaptiveBitrateService) publish(ctx context.Context, c *abrController, now time.Time, prev, tier domain.QualityTier, bitrate int, reason domain.TransitionReason, score float64) {
	c.bitrate = bitrate
	c.lastAdjust = now
	if s.publisher == nil {
		return
	}
	s.publisher.PublishQuality(ctx, domain.QualityUpdate{
		StreamID: c.streamID,
		Tier:     tier,
		Previous: prev,
		Bitrate:  bitrate,
		Reason:   reason,
		Score:    score,
		At:       now,
	})
}

// windowScore is the age-weighted mean of the window: the newest sample
// weighs 1, each older one AgeDecay times the next.
func (s *AdaptiveBitrateService) windowScore(c *abrController) float64 {
	if len(c.window) == 0 {
		return s.quality.thresholds.Medium
	}
	var sum, weights float64
	w := 1.0
	for i := len(c.window) - 1; i >= 0; i-- {
		sum += c.window[i].score * w
		weights += w
		w *= s.cfg.AgeDecay
	}
	return sum / weights
}

// Snapshot returns the controller's current view.
func (s *AdaptiveBitrateService) Snapshot(streamID domain.StreamID) (domain.ABRSnapshot, error) {
	c, err := s.controller(streamID)
	if err != nil {
		return domain.ABRSnapshot{}, err
	}
	return s.snapshot(c), nil
}

func (s *AdaptiveBitrateService) snapshot(c *abrController) domain.ABRSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.snapshotLocked(c)
}

func (s *AdaptiveBitrateService) snapshotLocked(c *abrController) domain.ABRSnapshot {
	snap := domain.ABRSnapshot{
		StreamID:       c.streamID,
		Tier:           c.tier,
		TargetBitrate:  c.bitrate,
		LastScore:      c.lastScore,
		WindowScore:    s.windowScore(c),
		Samples:        len(c.window),
		AdaptationOn:   c.adaptationOn,
		Transitions:    c.transitions,
		MeanRTTMs:      c.rtt.Mean(),
		MeanPacketLoss: c.loss.Mean(),
		MeanScore:      c.score.Mean(),
		TotalSamples:   c.score.Count(),
	}
	if c.rtt.Count() > 1 {
		snap.StdDevRTTMs = c.rtt.Stddev()
	}
	if !c.emergencyUntil.IsZero() {
		t := c.emergencyUntil
		snap.EmergencyUntil = &t
	}
	if !c.lastTransition.IsZero() {
		t := c.lastTransition
		snap.LastTransition = &t
	}
	return snap
}

// Running is the number of active controllers.
func (s *AdaptiveBitrateService) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.controllers)
}
