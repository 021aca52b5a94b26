package services

import (
	"fmt"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// videoClockRate converts RTCP jitter (RTP timestamp units) to wall time.
const videoClockRate = 90000

// ScoreThresholds maps a network score to a tier.
type ScoreThresholds struct {
	High   float64
	Medium float64
	Low    float64
}

type QualityService struct {
	thresholds ScoreThresholds
	iceServers []webrtc.ICEServer
}

func NewQualityService(thresholds ScoreThresholds, ice []config.ICEServer) *QualityService {
	servers := make([]webrtc.ICEServer, 0, len(ice))
	for _, s := range ice {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return &QualityService{thresholds: thresholds, iceServers: servers}
}

// NetworkScore rates one sample in [0,100]. targetKbps is the stream's
// current target bitrate; unknown buffer and bitrate readings add nothing.
func NetworkScore(s domain.NetworkSample, targetKbps int) float64 {
	score := 100.0

	switch {
	case s.PacketLoss > 0.05:
		score -= 40
	case s.PacketLoss > 0.02:
		score -= 20
	case s.PacketLoss > 0.01:
		score -= 10
	}

	switch rtt := s.RTT; {
	case rtt > 500*time.Millisecond:
		score -= 35
	case rtt > 200*time.Millisecond:
		score -= 25
	case rtt > 100*time.Millisecond:
		score -= 15
	case rtt > 50*time.Millisecond:
		score -= 5
	}

	if s.HasBuffer {
		switch {
		case s.BufferLevel < 0.2:
			score -= 30
		case s.BufferLevel < 0.5:
			score -= 15
		case s.BufferLevel > 0.8:
			score += 10
		}
	}

	if s.MeasuredBitrate > 0 && targetKbps > 0 {
		ratio := float64(s.MeasuredBitrate) / float64(targetKbps)
		switch {
		case ratio < 0.5:
			score -= 20
		case ratio > 1.2:
			score += 15
		}
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// TierForScore maps a score to a tier using the configured thresholds.
func (qs *QualityService) TierForScore(score float64) domain.QualityTier {
	switch {
	case score >= qs.thresholds.High:
		return domain.TierHigh
	case score >= qs.thresholds.Medium:
		return domain.TierMedium
	case score >= qs.thresholds.Low:
		return domain.TierLow
	default:
		return domain.TierUltraLow
	}
}

// RTCPStats is what a raw receiver report tells us about the path.
type RTCPStats struct {
	PacketLoss float64
	Jitter     time.Duration
	RTT        time.Duration
	Reports    int
}

// ParseRTCP reads the reception reports in a compound RTCP packet and
// averages them. RTT is derived from LSR/DLSR relative to arrival
// (RFC 3550 section 6.4.1) when the report carries them.
func ParseRTCP(raw []byte, arrival time.Time) (RTCPStats, error) {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return RTCPStats{}, fmt.Errorf("%w: malformed rtcp: %v", domain.ErrInvalidArgument, err)
	}

	var (
		stats    RTCPStats
		lossSum  float64
		jitter   time.Duration
		rttSum   time.Duration
		rttCount int
	)
	collect := func(reports []rtcp.ReceptionReport) {
		for _, rr := range reports {
			stats.Reports++
			lossSum += float64(rr.FractionLost) / 256
			jitter += time.Duration(rr.Jitter) * time.Second / videoClockRate

			if rr.LastSenderReport != 0 {
				ntp := uint32(toNTP(arrival) >> 16)
				if d := ntp - rr.LastSenderReport - rr.Delay; int32(d) > 0 {
					rttSum += time.Duration(d) * time.Second / 65536
					rttCount++
				}
			}
		}
	}

	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			collect(pkt.Reports)
		case *rtcp.SenderReport:
			collect(pkt.Reports)
		}
	}

	if stats.Reports == 0 {
		return RTCPStats{}, fmt.Errorf("%w: rtcp carries no reception reports", domain.ErrInvalidArgument)
	}
	stats.PacketLoss = lossSum / float64(stats.Reports)
	stats.Jitter = jitter / time.Duration(stats.Reports)
	if rttCount > 0 {
		stats.RTT = rttSum / time.Duration(rttCount)
	}
	return stats, nil
}

// toNTP converts t to a 64-bit NTP timestamp.
func toNTP(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// MediaConstraints is the capture hint handed to clients.
type MediaConstraints struct {
	Video struct {
		Width     int `json:"width"`
		Height    int `json:"height"`
		FrameRate int `json:"frameRate"`
	} `json:"video"`
	Audio struct {
		EchoCancellation bool `json:"echoCancellation"`
		NoiseSuppression bool `json:"noiseSuppression"`
		Bitrate          int  `json:"bitrateKbps"`
	} `json:"audio"`
}

// Recommendation is the body of GET /api/webrtc/config.
type Recommendation struct {
	ICEServers  []webrtc.ICEServer    `json:"iceServers"`
	Constraints MediaConstraints      `json:"mediaConstraints"`
	Quality     domain.QualityProfile `json:"recommendedQuality"`
}

// RecommendedTier starts from the device tier and steps down once on
// cellular links.
func RecommendedTier(device domain.DeviceClass, conn domain.ConnectionClass) domain.QualityTier {
	tier := domain.InitialTier(device)
	if conn == domain.ConnectionCellular {
		tier = tier.Step(-1)
	}
	return tier
}

func (qs *QualityService) Recommend(device domain.DeviceClass, conn domain.ConnectionClass) Recommendation {
	profile := domain.QualityProfiles[RecommendedTier(device, conn)]

	var mc MediaConstraints
	mc.Video.Width = profile.Width
	mc.Video.Height = profile.Height
	mc.Video.FrameRate = profile.FPS
	mc.Audio.EchoCancellation = true
	mc.Audio.NoiseSuppression = device == domain.DeviceMobile
	mc.Audio.Bitrate = profile.AudioBitrate

	return Recommendation{
		ICEServers:  qs.WebRTCConfiguration().ICEServers,
		Constraints: mc,
		Quality:     profile,
	}
}

// WebRTCConfiguration is the peer connection configuration clients should use.
func (qs *QualityService) WebRTCConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: append([]webrtc.ICEServer(nil), qs.iceServers...),
	}
}
