// Package stun answers STUN binding requests arriving on one or more packet
// sockets, typically the binding-request view of a demultiplexed socket.
package stun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/icemux/datagram"
	nberrors "github.com/netbirdio/icemux/errors"
	"github.com/netbirdio/icemux/filter"
	"github.com/netbirdio/icemux/formatter"
)

// ErrServerClosed is returned by Listen when the server is shut down gracefully.
var ErrServerClosed = errors.New("stun: server closed")

// ErrNoListeners is returned by Listen when no connections were provided.
var ErrNoListeners = errors.New("stun: no listeners configured")

// BindingRequests accepts STUN binding requests only, leaving responses and
// indications to whoever else reads the socket.
type BindingRequests struct{}

// Accept implements filter.Filter.
func (BindingRequests) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	return filter.IsSTUN(b) && binary.BigEndian.Uint16(b[0:2]) == stun.BindingRequest.Value()
}

// Server implements a STUN server that responds to binding requests
// with the client's reflexive transport address.
type Server struct {
	conns    []net.PacketConn
	logger   *log.Entry
	logLevel log.Level

	wg sync.WaitGroup
}

// NewServer creates a new STUN server answering on conns. The caller creates
// the connections, the server closes them on Shutdown.
// logLevel can be: panic, fatal, error, warn, info, debug, trace
func NewServer(conns []net.PacketConn, logLevel string) *Server {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		level = log.InfoLevel
	}

	// a separate logger so the responder can be made verbose on its own
	stunLogger := log.New()
	stunLogger.SetOutput(log.StandardLogger().Out)
	stunLogger.SetLevel(level)
	formatter.SetTextFormatter(stunLogger)

	logger := stunLogger.WithField("component", "stun")
	logger.Infof("STUN server log level set to: %s", level.String())

	return &Server{
		conns:    conns,
		logger:   logger,
		logLevel: level,
	}
}

// Listen starts the STUN server and blocks until the server is shut down.
// Returns ErrServerClosed when shut down gracefully via Shutdown.
// Returns ErrNoListeners if no connections were provided.
func (s *Server) Listen() error {
	if len(s.conns) == 0 {
		return ErrNoListeners
	}

	for _, conn := range s.conns {
		s.logger.Infof("STUN server listening on %s", conn.LocalAddr())
		s.wg.Add(1)
		go s.readLoop(conn)
	}

	s.wg.Wait()
	return ErrServerClosed
}

func (s *Server) readLoop(conn net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, datagram.MaxSize)
	for {
		n, remoteAddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				s.logger.Info("connection closed, stopping read loop")
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warnf("failed to read packet: %v", err)
			continue
		}

		s.handlePacket(conn, buf[:n], remoteAddr)
	}
}

// handlePacket processes a STUN request and sends a response.
func (s *Server) handlePacket(conn net.PacketConn, data []byte, addr net.Addr) {
	local := conn.LocalAddr()

	var mapped stun.XORMappedAddress
	switch a := addr.(type) {
	case *net.UDPAddr:
		mapped = stun.XORMappedAddress{IP: a.IP, Port: a.Port}
	case *net.TCPAddr:
		mapped = stun.XORMappedAddress{IP: a.IP, Port: a.Port}
	default:
		s.logger.Debugf("[%s] ignoring packet from unsupported address %s", local, addr)
		return
	}

	if !stun.IsMessage(data) {
		s.logger.Debugf("[%s] not a STUN message (first bytes: %x)", local, data[:min(len(data), 8)])
		return
	}

	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		s.logger.Warnf("[%s] failed to decode STUN message from %s: %v", local, addr, err)
		return
	}

	s.logger.Debugf("[%s] received STUN %s from %s (tx=%x)", local, msg.Type, addr, msg.TransactionID[:8])

	if msg.Type != stun.BindingRequest {
		s.logger.Debugf("[%s] ignoring non-binding request: %s", local, msg.Type)
		return
	}

	response, err := stun.Build(
		stun.NewTransactionIDSetter(msg.TransactionID),
		stun.BindingSuccess,
		&mapped,
		stun.Fingerprint,
	)
	if err != nil {
		s.logger.Errorf("[%s] failed to build STUN response: %v", local, err)
		return
	}

	if _, err := conn.WriteTo(response.Raw, addr); err != nil {
		s.logger.Errorf("[%s] failed to send STUN response to %s: %v", local, addr, err)
		return
	}

	s.logger.Debugf("[%s] sent STUN BindingSuccess to %s", local, addr)
}

// Shutdown gracefully stops the STUN server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down STUN server")

	var merr *multierror.Error

	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("close STUN connection: %w", err))
		}
	}

	s.wg.Wait()
	return nberrors.FormatErrorOrNil(merr)
}
