// Package shaper turns queued Annex-B access units into timestamped,
// keyframe-classified packets on a 90 kHz presentation clock.
package shaper

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/alxayo/h264-relay/internal/apperrors"
	"github.com/alxayo/h264-relay/internal/frame"
)

// ClockRate is the presentation clock rate conventionally used for H.264 in
// real-time media sessions.
const ClockRate = 90000

// TimeBase is the duration of one presentation clock tick.
const TimeBase = time.Second / ClockRate

// anomalyResetThreshold is how far backwards an arrival timestamp may jump
// before the shaper treats it as a producer clock reset rather than jitter.
const anomalyResetThreshold = -500 * time.Millisecond

// Packet is one shaped outbound media packet: the original (uncopied)
// payload, its rebased presentation timestamp, and keyframe classification.
type Packet struct {
	Payload  []byte
	PTS      uint32
	TimeBase time.Duration
	Keyframe bool
}

// Shaper owns one FrameQueue and the per-stream anchor state used to rebase
// arrival timestamps onto a presentation clock starting at the first shaped
// frame.
type Shaper struct {
	queue         *frame.Queue
	logger        *slog.Logger
	startAnchorNS int64
	hasAnchor     bool
}

// New creates a Shaper reading from q.
func New(q *frame.Queue, logger *slog.Logger) *Shaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shaper{queue: q, logger: logger}
}

// Run dequeues frames until the terminal sentinel is observed or ctx is
// done, invoking emit for each successfully shaped packet. A malformed
// frame is dropped and shaping continues with the next item. Returns nil
// on normal (terminal) completion.
func (s *Shaper) Run(ctx context.Context, emit func(Packet)) error {
	for {
		item, err := s.queue.Dequeue(ctx)
		if errors.Is(err, frame.ErrTerminal) {
			return nil
		}
		if err != nil {
			return err
		}

		pkt, ok := s.shape(item)
		if !ok {
			err := &apperrors.MalformedFrameError{Op: "shape", Err: errors.New("empty payload")}
			s.logger.Debug("dropped malformed frame", "error", err, "len", len(item.Payload))
			continue
		}
		emit(pkt)
	}
}

func (s *Shaper) shape(item frame.Item) (Packet, bool) {
	if len(item.Payload) == 0 {
		return Packet{}, false
	}

	if !s.hasAnchor {
		s.startAnchorNS = item.ArrivalNS
		s.hasAnchor = true
	}

	elapsed := time.Duration(item.ArrivalNS-s.startAnchorNS) * time.Nanosecond
	if elapsed < anomalyResetThreshold {
		s.startAnchorNS = item.ArrivalNS
		elapsed = 0
	} else if elapsed < 0 {
		elapsed = 0
	}

	ticks := uint64(math.Floor(elapsed.Seconds() * ClockRate))
	pts := uint32(ticks % (1 << 32))

	return Packet{
		Payload:  item.Payload,
		PTS:      pts,
		TimeBase: TimeBase,
		Keyframe: isKeyframe(item.Payload),
	}, true
}

// isKeyframe inspects the first Annex-B NAL unit in payload and reports
// whether it is an IDR (type 5).
func isKeyframe(payload []byte) bool {
	nalStart := nalUnitStart(payload)
	if nalStart < 0 || nalStart >= len(payload) {
		return false
	}
	nalType := payload[nalStart] & 0x1F
	return nalType == 5
}

// nalUnitStart returns the offset of the first byte after the leading
// Annex-B start code, recognizing both the 4-byte (00 00 00 01) and 3-byte
// (00 00 01) forms. Returns -1 if neither is present at the start of
// payload.
func nalUnitStart(payload []byte) int {
	if len(payload) >= 4 && payload[0] == 0 && payload[1] == 0 && payload[2] == 0 && payload[3] == 1 {
		return 4
	}
	if len(payload) >= 3 && payload[0] == 0 && payload[1] == 0 && payload[2] == 1 {
		return 3
	}
	return -1
}
