// Package nat discovers the server reflexive address of a socket with STUN
// binding requests. Probes go out through any packet socket, so discovery can
// share a port with STUN, TURN and media through a demultiplexed socket.
package nat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/icemux/datagram"
	"github.com/netbirdio/icemux/filter"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultAttempts = 3
)

var (
	// ErrTimedOut is returned when a probe got no response.
	ErrTimedOut = errors.New("timed out waiting for STUN response")
	// ErrNoMappedAddress is returned when a response lacks XOR-MAPPED-ADDRESS.
	ErrNoMappedAddress = errors.New("no XOR-MAPPED-ADDRESS in the STUN response")
)

// BindingResponses accepts STUN binding success and error responses.
type BindingResponses struct{}

// Accept implements filter.Filter.
func (BindingResponses) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	if !filter.IsSTUN(b) {
		return false
	}
	t := binary.BigEndian.Uint16(b[0:2])
	return t == stun.BindingSuccess.Value() || t == stun.BindingError.Value()
}

// Candidate is a transport address the socket is reachable on.
type Candidate struct {
	IP   net.IP
	Port int
	// host or srflx
	Type string
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s", c.Type, net.JoinHostPort(c.IP.String(), fmt.Sprint(c.Port)))
}

// Result lists the candidates a discovery found.
type Result struct {
	Candidates []Candidate
	LocalPort  int
}

// Reflexive returns the server reflexive candidate.
func (r *Result) Reflexive() (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.Type == "srflx" {
			return c, true
		}
	}
	return Candidate{}, false
}

// Discovery probes one STUN server through conn. conn only needs to deliver
// binding responses; anything else read from it is skipped.
type Discovery struct {
	conn     net.PacketConn
	server   *net.UDPAddr
	timeout  time.Duration
	attempts int
	log      *log.Entry
}

func NewDiscovery(conn net.PacketConn, server *net.UDPAddr, timeout time.Duration) *Discovery {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Discovery{
		conn:     conn,
		server:   server,
		timeout:  timeout,
		attempts: DefaultAttempts,
		log:      log.WithField("stun", server.String()),
	}
}

// Discover asks the server for the reflexive address of conn.
func (d *Discovery) Discover(ctx context.Context) (*Result, error) {
	res := &Result{}
	if local, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		res.LocalPort = local.Port
		res.Candidates = append(res.Candidates, Candidate{IP: local.IP, Port: local.Port, Type: "host"})
	}

	mapped, err := d.roundTrip(ctx, d.server)
	if err != nil {
		return nil, fmt.Errorf("binding request to %s: %w", d.server, err)
	}
	d.log.Debugf("XOR-MAPPED-ADDRESS %s", mapped)
	res.Candidates = append(res.Candidates, Candidate{IP: mapped.IP, Port: mapped.Port, Type: "srflx"})
	return res, nil
}

// roundTrip sends a binding request to addr and waits for the response with
// the same transaction id, retransmitting up to d.attempts times.
func (d *Discovery) roundTrip(ctx context.Context, addr *net.UDPAddr) (*net.UDPAddr, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	buf := make([]byte, datagram.MaxSize)
	for attempt := 0; attempt < d.attempts; attempt++ {
		if _, err := d.conn.WriteTo(req.Raw, addr); err != nil {
			return nil, fmt.Errorf("send to %s: %w", addr, err)
		}

		deadline := time.Now().Add(d.timeout)
		clipped := false
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline, clipped = dl, true
		}
		res, err := d.await(ctx, req.TransactionID, buf, deadline)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrTimedOut) {
			return nil, err
		}
		if clipped {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.log.Debugf("no response from %s, attempt %d", addr, attempt+1)
	}
	return nil, ErrTimedOut
}

func (d *Discovery) await(ctx context.Context, id [stun.TransactionIDSize]byte, buf []byte, deadline time.Time) (*net.UDPAddr, error) {
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() {
		_ = d.conn.SetReadDeadline(time.Time{})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimedOut
			}
			return nil, fmt.Errorf("read response: %w", err)
		}

		msg := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
		if err := msg.Decode(); err != nil {
			d.log.Tracef("skipping undecodable datagram from %s: %v", from, err)
			continue
		}
		if msg.TransactionID != id {
			continue
		}
		return parse(msg)
	}
}

func parse(msg *stun.Message) (*net.UDPAddr, error) {
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err != nil {
			return nil, errors.New("binding error without code")
		}
		return nil, fmt.Errorf("binding error: %s", code)
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(msg); err != nil {
		return nil, ErrNoMappedAddress
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}
