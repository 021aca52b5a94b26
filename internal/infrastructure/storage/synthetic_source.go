package storage

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"streamhub/internal/core/domain"

	"github.com/pion/rtp"
)

const (
	syntheticPayloadType = 96
	// 90 kHz video clock, one chunk per second of media.
	syntheticClockRate = 90000
)

// SyntheticSource produces fixed-size placeholder chunks in place of media
// bytes. Each chunk is one RTP packet whose sequence number is the chunk
// index and whose payload starts with the big-endian index. Chunks smaller
// than an RTP header carry only the index.
type SyntheticSource struct {
	size int
}

func NewSyntheticSource(size int) *SyntheticSource {
	return &SyntheticSource{size: size}
}

func (s *SyntheticSource) NextChunk(ctx context.Context, streamID domain.StreamID, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    syntheticPayloadType,
			SequenceNumber: uint16(index),
			Timestamp:      uint32(index) * syntheticClockRate,
			SSRC:           ssrcFor(streamID),
		},
	}
	headerLen := pkt.Header.MarshalSize()
	if s.size < headerLen {
		buf := make([]byte, s.size)
		if len(buf) >= 8 {
			binary.BigEndian.PutUint64(buf, uint64(index))
		}
		return buf, nil
	}

	pkt.Payload = make([]byte, s.size-headerLen)
	if len(pkt.Payload) >= 8 {
		binary.BigEndian.PutUint64(pkt.Payload, uint64(index))
	}
	return pkt.Marshal()
}

// ssrcFor keeps one synchronization source per stream.
func ssrcFor(streamID domain.StreamID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return h.Sum32()
}
