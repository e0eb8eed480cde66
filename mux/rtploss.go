package mux

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/netbirdio/icemux/filter"
)

const (
	// lossReportThreshold is the loss fraction above which a report is emitted.
	lossReportThreshold = 0.05
	lossReportInterval  = 5 * time.Second

	// gaps this large are taken as a stream restart or reordering, not loss
	maxLossGap = 0xFF
)

// LostPackets returns how many packets were lost between two consecutive
// sequence numbers. Differences are taken modulo 2^16.
func LostPackets(prev, cur uint16) int {
	gap := cur - prev
	switch {
	case gap <= 1:
		return 0
	case gap < maxLossGap:
		return int(gap) - 1
	default:
		return 1
	}
}

// LossEstimator keeps a running RTP loss estimate for everything received on
// one socket.
type LossEstimator struct {
	log     *log.Entry
	metrics *Metrics

	mu       sync.Mutex
	lastSeq  uint16
	seen     bool
	lost     uint64
	received uint64

	report rate.Sometimes
}

// NewLossEstimator creates an estimator. metrics may be nil.
func NewLossEstimator(logger *log.Entry, metrics *Metrics) *LossEstimator {
	if logger == nil {
		logger = log.WithField("component", "rtp-loss")
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &LossEstimator{
		log:     logger,
		metrics: metrics,
		report:  rate.Sometimes{Interval: lossReportInterval},
	}
}

// Observe accounts b if it is an RTP packet and reports whether it was.
func (e *LossEstimator) Observe(b []byte) bool {
	seq, ok := rtpSequence(b)
	if !ok {
		return false
	}

	e.mu.Lock()
	lost := 0
	if e.seen {
		lost = LostPackets(e.lastSeq, seq)
	}
	e.lastSeq = seq
	e.seen = true
	e.received++
	e.lost += uint64(lost)
	totalLost, total := e.lost, e.lost+e.received
	e.mu.Unlock()

	ctx := context.Background()
	e.metrics.RTPReceived.Add(ctx, 1)
	if lost > 0 {
		e.metrics.RTPLost.Add(ctx, int64(lost))
	}

	fraction := float64(totalLost) / float64(total)
	if fraction > lossReportThreshold {
		e.report.Do(func() {
			e.log.Warnf("RTP loss %.1f%% (%d lost of %d)", fraction*100, totalLost, total)
			e.metrics.RTPLossFraction.Record(ctx, fraction)
		})
	}
	return true
}

// Stats returns the lost and received packet counts.
func (e *LossEstimator) Stats() (lost, received uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost, e.received
}

// rtpSequence returns the sequence number of b when b is an RTP packet:
// not STUN, not RTCP, and a parseable version 2 header.
func rtpSequence(b []byte) (uint16, bool) {
	if filter.IsSTUN(b) || filter.IsRTCP(b) {
		return 0, false
	}
	var h rtp.Header
	if _, err := h.Unmarshal(b); err != nil || h.Version != 2 {
		return 0, false
	}
	return h.SequenceNumber, true
}
