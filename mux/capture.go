package mux

import (
	"net"
	"sync/atomic"

	"github.com/netbirdio/icemux/filter"
)

// rtpSampleEvery is the period of the steady state RTP capture sampling.
const rtpSampleEvery = 5000

// PacketSink receives copies of datagrams crossing the physical socket.
// src and dst give the direction, sent is true for outgoing datagrams.
// Implementations must not retain data after returning.
type PacketSink interface {
	LogPacket(src, dst net.Addr, data []byte, sent bool)
}

// packetSampler decides which datagrams reach the sink: every STUN message,
// and RTP only at a few early positions and then periodically. Sent and
// received RTP are counted separately.
type packetSampler struct {
	sink    PacketSink
	sentRTP atomic.Uint64
	recvRTP atomic.Uint64
}

func (p *packetSampler) observe(local, remote net.Addr, data []byte, sent bool) {
	if p == nil || p.sink == nil {
		return
	}

	if !filter.IsSTUN(data) {
		if _, ok := rtpSequence(data); !ok {
			return
		}
		counter := &p.recvRTP
		if sent {
			counter = &p.sentRTP
		}
		if !sampleRTP(counter.Add(1)) {
			return
		}
	}

	if sent {
		p.sink.LogPacket(local, remote, data, true)
		return
	}
	p.sink.LogPacket(remote, local, data, false)
}

func sampleRTP(count uint64) bool {
	switch count {
	case 1, 300, 500, 1000:
		return true
	}
	return count%rtpSampleEvery == 0
}
