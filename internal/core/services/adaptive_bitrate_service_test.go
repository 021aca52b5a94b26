package services

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/pkg/config"
	"streamhub/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []domain.QualityUpdate
}

func (p *recordingPublisher) PublishQuality(_ context.Context, u domain.QualityUpdate) {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []domain.QualityUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.QualityUpdate(nil), p.updates...)
}

// tierChanges filters out bitrate-only updates.
func (p *recordingPublisher) tierChanges() []domain.QualityUpdate {
	var out []domain.QualityUpdate
	for _, u := range p.all() {
		if u.Tier != u.Previous {
			out = append(out, u)
		}
	}
	return out
}

func testABRConfig() ABRConfig {
	cfg := config.DefaultConfig().ABR
	return ABRConfig{
		AdjustmentInterval: cfg.AdjustmentInterval,
		WindowSize:         cfg.WindowSize,
		AgeDecay:           cfg.AgeDecay,
		UpgradeScore:       cfg.UpgradeScore,
		DowngradeScore:     cfg.DowngradeScore,
		CriticalScore:      cfg.CriticalScore,
		CriticalSamples:    cfg.CriticalSamples,
		EmergencyHold:      cfg.EmergencyHold,
		MaxDropRatio:       cfg.MaxDropRatio,
	}
}

func newTestABR(t *testing.T) (*AdaptiveBitrateService, *recordingPublisher, *utils.ManualClock) {
	t.Helper()
	clock := utils.NewManualClock(testEpoch)
	pub := &recordingPublisher{}
	quality := NewQualityService(ScoreThresholds{High: 90, Medium: 75, Low: 50}, nil)
	return NewAdaptiveBitrateService(testABRConfig(), quality, pub, clock, nil, zap.NewNop().Sugar()), pub, clock
}

var (
	badSample      = domain.NetworkSample{RTT: 600 * time.Millisecond, PacketLoss: 0.06}
	goodSample     = domain.NetworkSample{RTT: 20 * time.Millisecond}
	criticalSample = domain.NetworkSample{RTT: 600 * time.Millisecond, PacketLoss: 0.06, HasBuffer: true, BufferLevel: 0.1}
)

func TestNetworkScore(t *testing.T) {
	tests := []struct {
		name   string
		sample domain.NetworkSample
		target int
		want   float64
	}{
		{"perfect unknown extras", domain.NetworkSample{}, 1500, 100},
		{"scenario bad link", badSample, 1500, 25},
		{"moderate", domain.NetworkSample{RTT: 150 * time.Millisecond, PacketLoss: 0.015}, 1500, 75},
		{"full buffer bonus clamped", domain.NetworkSample{HasBuffer: true, BufferLevel: 0.9}, 1500, 100},
		{"low buffer", domain.NetworkSample{RTT: 60 * time.Millisecond, HasBuffer: true, BufferLevel: 0.3}, 1500, 80},
		{"starved bitrate", domain.NetworkSample{MeasuredBitrate: 500}, 1500, 80},
		{"surplus bitrate", domain.NetworkSample{RTT: 300 * time.Millisecond, MeasuredBitrate: 2000}, 1500, 90},
		{"floor at zero", criticalSample, 1500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NetworkScore(tt.sample, tt.target))
		})
	}
}

func TestQualityService_TierForScore(t *testing.T) {
	qs := NewQualityService(ScoreThresholds{High: 90, Medium: 75, Low: 50}, nil)
	assert.Equal(t, domain.TierHigh, qs.TierForScore(90))
	assert.Equal(t, domain.TierMedium, qs.TierForScore(89.9))
	assert.Equal(t, domain.TierLow, qs.TierForScore(50))
	assert.Equal(t, domain.TierUltraLow, qs.TierForScore(49))
}

func TestABR_InitialTier(t *testing.T) {
	abr, _, _ := newTestABR(t)
	snap := abr.Start(context.Background(), "mobile", domain.DeviceMobile)
	assert.Equal(t, domain.TierUltraLow, snap.Tier)
	assert.Equal(t, 300, snap.TargetBitrate)

	snap = abr.Start(context.Background(), "desk", domain.DeviceDesktop)
	assert.Equal(t, domain.TierMedium, snap.Tier)
	assert.Equal(t, 1500, snap.TargetBitrate)
	assert.Equal(t, 2, abr.Running())

	abr.Stop("mobile")
	_, err := abr.Snapshot("mobile")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestABR_DowngradeScenario(t *testing.T) {
	abr, pub, clock := newTestABR(t)
	ctx := context.Background()
	abr.Start(ctx, "s1", domain.DeviceDesktop)

	for i := 0; i < 3; i++ {
		_, err := abr.Ingest(ctx, "s1", badSample)
		require.NoError(t, err)
		if i == 0 {
			updates := pub.all()
			require.Len(t, updates, 1, "downgrade fires on the first bad sample")
			assert.Equal(t, domain.TierUltraLow, updates[0].Tier)
			assert.Equal(t, domain.TierMedium, updates[0].Previous)
			assert.Equal(t, domain.ReasonDowngrade, updates[0].Reason)
			assert.Equal(t, 750, updates[0].Bitrate, "drop capped at half the current bitrate")
		}
		clock.Advance(700 * time.Millisecond)
	}
	assert.Len(t, pub.all(), 1, "no further transition within the interval")

	// good samples every 500ms: the first qualifying one is at t=2.1s
	var upgradeAt time.Time
	qualifiedFrom := clock.Now()
	for i := 0; i < 12 && upgradeAt.IsZero(); i++ {
		_, err := abr.Ingest(ctx, "s1", goodSample)
		require.NoError(t, err)
		for _, u := range pub.tierChanges() {
			if u.Reason == domain.ReasonUpgrade {
				upgradeAt = u.At
				assert.Equal(t, domain.TierLow, u.Tier, "upgrades step one tier")
			}
		}
		clock.Advance(500 * time.Millisecond)
	}
	require.False(t, upgradeAt.IsZero())
	assert.GreaterOrEqual(t, upgradeAt.Sub(qualifiedFrom), 2*time.Second)

	var sawConverge bool
	for _, u := range pub.all() {
		if u.Reason == domain.ReasonConverge {
			sawConverge = true
			assert.Equal(t, domain.TierUltraLow, u.Tier)
			assert.Less(t, u.Bitrate, 750)
		}
	}
	assert.True(t, sawConverge, "capped bitrate converges on a later interval")
}

func TestABR_NoUpgradeWhenQualificationBreaks(t *testing.T) {
	abr, pub, clock := newTestABR(t)
	ctx := context.Background()
	abr.Start(ctx, "s1", domain.DeviceMobile)

	for i := 0; i < 20; i++ {
		s := goodSample
		if i%3 == 2 {
			s = domain.NetworkSample{RTT: 150 * time.Millisecond, PacketLoss: 0.03}
		}
		_, err := abr.Ingest(ctx, "s1", s)
		require.NoError(t, err)
		clock.Advance(700 * time.Millisecond)
	}
	assert.Empty(t, pub.tierChanges())
}

func TestABR_EmergencyMode(t *testing.T) {
	abr, pub, clock := newTestABR(t)
	ctx := context.Background()
	abr.Start(ctx, "s1", domain.DeviceDesktop)

	_, err := abr.Ingest(ctx, "s1", criticalSample)
	require.NoError(t, err)
	clock.Advance(100 * time.Millisecond)
	snap, err := abr.Ingest(ctx, "s1", criticalSample)
	require.NoError(t, err)

	assert.Equal(t, domain.TierUltraLow, snap.Tier)
	assert.False(t, snap.AdaptationOn)
	assert.Equal(t, 300, snap.TargetBitrate)
	require.NotNil(t, snap.EmergencyUntil)

	updates := pub.all()
	require.Len(t, updates, 2)
	assert.Equal(t, domain.ReasonDowngrade, updates[0].Reason)
	assert.Equal(t, domain.ReasonEmergency, updates[1].Reason)

	// held: good telemetry changes nothing for 10s
	for i := 0; i < 18; i++ {
		clock.Advance(500 * time.Millisecond)
		_, err := abr.Ingest(ctx, "s1", goodSample)
		require.NoError(t, err)
	}
	assert.Len(t, pub.all(), 2)

	clock.Advance(time.Second)
	require.NoError(t, abr.Tick(ctx, "s1"))
	snap, err = abr.Snapshot("s1")
	require.NoError(t, err)
	assert.True(t, snap.AdaptationOn)
}

func TestABR_EmergencyWaitsForInterval(t *testing.T) {
	abr, pub, clock := newTestABR(t)
	ctx := context.Background()
	abr.Start(ctx, "s1", domain.DeviceDesktop)

	// moderate drop to Low first
	_, err := abr.Ingest(ctx, "s1", domain.NetworkSample{RTT: 300 * time.Millisecond, PacketLoss: 0.03})
	require.NoError(t, err)
	require.Len(t, pub.tierChanges(), 1)
	assert.Equal(t, domain.TierLow, pub.tierChanges()[0].Tier)

	clock.Advance(200 * time.Millisecond)
	_, err = abr.Ingest(ctx, "s1", criticalSample)
	require.NoError(t, err)
	clock.Advance(200 * time.Millisecond)
	_, err = abr.Ingest(ctx, "s1", criticalSample)
	require.NoError(t, err)
	assert.Len(t, pub.tierChanges(), 1, "emergency respects the interval")

	clock.Advance(2 * time.Second)
	require.NoError(t, abr.Tick(ctx, "s1"))
	changes := pub.tierChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.ReasonEmergency, changes[1].Reason)
	assert.Equal(t, domain.TierUltraLow, changes[1].Tier)
}

// Random telemetry: tier transitions are at least one interval apart and
// every upgrade follows a full interval of qualifying samples.
func TestABR_HysteresisProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	interval := 2 * time.Second

	for run := 0; run < 20; run++ {
		abr, pub, clock := newTestABR(t)
		ctx := context.Background()
		abr.Start(ctx, "s1", domain.DeviceDesktop)

		type fed struct {
			at    time.Time
			score float64
		}
		var history []fed
		for i := 0; i < 300; i++ {
			s := domain.NetworkSample{
				RTT:        time.Duration(rng.Intn(700)) * time.Millisecond,
				PacketLoss: rng.Float64() * 0.08,
			}
			if rng.Intn(3) == 0 {
				s = goodSample
			}
			snap, err := abr.Ingest(ctx, "s1", s)
			require.NoError(t, err)
			history = append(history, fed{at: clock.Now(), score: snap.LastScore})

			if rng.Intn(4) == 0 {
				require.NoError(t, abr.Tick(ctx, "s1"))
			}
			clock.Advance(time.Duration(100+rng.Intn(600)) * time.Millisecond)
		}

		changes := pub.tierChanges()
		for i := 1; i < len(changes); i++ {
			assert.GreaterOrEqual(t, changes[i].At.Sub(changes[i-1].At), interval)
		}
		for _, u := range changes {
			if u.Tier.Rank() <= u.Previous.Rank() {
				continue
			}
			assert.Equal(t, 1, u.Tier.Rank()-u.Previous.Rank())
			var covered bool
			for _, h := range history {
				if h.at.After(u.At) {
					break
				}
				if !h.at.Before(u.At.Add(-interval)) {
					assert.GreaterOrEqual(t, h.score, 75.0)
				}
				if !h.at.After(u.At.Add(-interval)) {
					covered = true
				}
			}
			assert.True(t, covered)
		}
	}
}

func TestParseRTCP(t *testing.T) {
	rr := &rtcp.ReceiverReport{
		SSRC:    1,
		Reports: []rtcp.ReceptionReport{{SSRC: 2, FractionLost: 64, Jitter: 9000}},
	}
	raw, err := rr.Marshal()
	require.NoError(t, err)

	stats, err := ParseRTCP(raw, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reports)
	assert.InDelta(t, 0.25, stats.PacketLoss, 1e-9)
	assert.Equal(t, 100*time.Millisecond, stats.Jitter)
	assert.Zero(t, stats.RTT)

	_, err = ParseRTCP([]byte{0x01, 0x02}, testEpoch)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQualityService_Recommend(t *testing.T) {
	qs := NewQualityService(ScoreThresholds{High: 90, Medium: 75, Low: 50}, []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"},
	})

	rec := qs.Recommend(domain.DeviceDesktop, domain.ConnectionCellular)
	assert.Equal(t, domain.TierLow, rec.Quality.Tier)
	assert.Equal(t, 640, rec.Constraints.Video.Width)
	require.Len(t, rec.ICEServers, 2)
	assert.Equal(t, "p", rec.ICEServers[1].Credential)

	rec = qs.Recommend(domain.DeviceMobile, domain.ConnectionCellular)
	assert.Equal(t, domain.TierUltraLow, rec.Quality.Tier)
	assert.True(t, rec.Constraints.Audio.NoiseSuppression)
}
