package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/icemux/datagram"
	nberrors "github.com/netbirdio/icemux/errors"
	"github.com/netbirdio/icemux/filter"
	"github.com/netbirdio/icemux/metrics"
	"github.com/netbirdio/icemux/mux"
	"github.com/netbirdio/icemux/nat"
	"github.com/netbirdio/icemux/pcap"
	"github.com/netbirdio/icemux/stun"
	"github.com/netbirdio/icemux/tcpframe"
	"github.com/netbirdio/icemux/turn"
	"github.com/netbirdio/icemux/util"
	"github.com/netbirdio/icemux/version"
)

const shutdownTimeout = 10 * time.Second

// ServeConfig configures the serve command. It can be loaded from a JSON
// file, flags given on the command line take precedence.
type ServeConfig struct {
	Network        string        `json:"network"`
	ListenAddress  string        `json:"listenAddress"`
	TCPAddress     string        `json:"tcpAddress"`
	MetricsAddress string        `json:"metricsAddress"`
	PollInterval   time.Duration `json:"pollInterval"`
	ReadBufferSize int           `json:"readBufferSize"`
	TrackRTPLoss   bool          `json:"trackRtpLoss"`
	EchoMedia      bool          `json:"echoMedia"`
	CaptureFile    string        `json:"captureFile"`
	STUNLogLevel   string        `json:"stunLogLevel"`
	STUNServer     string        `json:"stunServer"`

	TURNServer   string `json:"turnServer"`
	TURNUser     string `json:"turnUser"`
	TURNPassword string `json:"turnPassword"`
	TURNEcho     bool   `json:"turnEcho"`
}

func defaultServeConfig() ServeConfig {
	return ServeConfig{
		Network:       "udp",
		ListenAddress: ":3478",
		PollInterval:  mux.DefaultPollInterval,
		TrackRTPLoss:  true,
		STUNLogLevel:  "info",
	}
}

func (c ServeConfig) Validate() error {
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddress, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("read buffer size must not be negative")
	}
	if c.STUNServer != "" {
		if _, _, err := net.SplitHostPort(c.STUNServer); err != nil {
			return fmt.Errorf("invalid STUN server %q: %w", c.STUNServer, err)
		}
	}
	if c.TURNServer == "" && c.TURNEcho {
		return fmt.Errorf("--turn-echo needs --turn-server")
	}
	if c.TURNServer != "" && c.TURNUser != "" && c.TURNPassword == "" {
		return fmt.Errorf("--turn-password is required with --turn-user")
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cfg := defaultServeConfig()
	return serveCmd(&cfg)
}

// serveCmd binds the flags of the serve command to cfg.
func serveCmd(cfg *ServeConfig) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve STUN and media on one port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := loadServeConfig(cmd, configFile, cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			svc, err := newService(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			return svc.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "JSON config file, environment variables can be referenced as {{ .NAME }}")
	flags.StringVar(&cfg.Network, "network", cfg.Network, "udp, udp4 or udp6")
	flags.StringVarP(&cfg.ListenAddress, "listen-address", "l", cfg.ListenAddress, "UDP listen address")
	flags.StringVar(&cfg.TCPAddress, "tcp-address", "", "also accept ICE-TCP (RFC 4571 framed) connections on this address")
	flags.StringVar(&cfg.MetricsAddress, "metrics-address", "", "serve metrics and health on this address, e.g. :9090")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often waiting readers check whether they can read from the network")
	flags.IntVar(&cfg.ReadBufferSize, "read-buffer-size", 0, "socket receive buffer size in bytes, 0 keeps the system default")
	flags.BoolVar(&cfg.TrackRTPLoss, "track-rtp-loss", cfg.TrackRTPLoss, "estimate and report loss of received RTP")
	flags.BoolVar(&cfg.EchoMedia, "echo-media", false, "send received RTP and RTCP back to its sender")
	flags.StringVar(&cfg.CaptureFile, "capture-file", "", "write sampled traffic to this pcap file")
	flags.StringVar(&cfg.STUNLogLevel, "stun-log-level", cfg.STUNLogLevel, "log level of the STUN responder")
	flags.StringVar(&cfg.STUNServer, "stun-server", "", "discover the reflexive address of the port with this STUN server (host:port)")
	flags.StringVar(&cfg.TURNServer, "turn-server", "", "allocate a relay on this TURN server (host:port)")
	flags.StringVar(&cfg.TURNUser, "turn-user", "", "TURN username")
	flags.StringVar(&cfg.TURNPassword, "turn-password", "", "TURN password")
	flags.BoolVar(&cfg.TURNEcho, "turn-echo", false, "send datagrams received on the relay back to their peer")

	return cmd
}

// loadServeConfig reads file into cfg. Flags set on the command line or
// through the environment keep their value.
func loadServeConfig(cmd *cobra.Command, file string, cfg *ServeConfig) error {
	explicit := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := util.ReadJsonWithEnvSub(file, cfg); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}

	var merr *multierror.Error
	for name, value := range explicit {
		if err := cmd.Flags().Set(name, value); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("flag %s: %w", name, err))
		}
	}
	return nberrors.FormatErrorOrNil(merr)
}

// service is everything serve runs on the shared port.
type service struct {
	cfg     ServeConfig
	log     *log.Entry
	socket  *mux.Socket
	meter   *mux.Metrics
	metrics *metrics.Metrics
	capture *pcap.Writer
	stun    *stun.Server
	relay   *turn.RelayedSocket
	tcp     net.Listener
	media   []*mux.LogicalSocket

	discovery *nat.Discovery
	probes    *mux.LogicalSocket
	reflexive atomic.Pointer[nat.Result]
}

// newService creates every resource up front so that a bad flag fails before
// anything is served.
func newService(ctx context.Context, cfg ServeConfig) (_ *service, err error) {
	s := &service{
		cfg: cfg,
		log: log.WithField("component", "serve"),
	}
	defer func() {
		if err != nil {
			_ = s.closeAll()
		}
	}()

	if cfg.MetricsAddress != "" {
		s.metrics, err = metrics.NewServer(cfg.MetricsAddress, "", s)
		if err != nil {
			return nil, fmt.Errorf("setup metrics: %w", err)
		}
		s.meter, err = mux.NewMetrics(s.metrics.Meter)
	} else {
		s.meter, err = mux.NewMetrics(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	var sink mux.PacketSink
	if cfg.CaptureFile != "" {
		f, err := os.Create(cfg.CaptureFile)
		if err != nil {
			return nil, fmt.Errorf("create capture file: %w", err)
		}
		if s.capture, err = pcap.NewWriter(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		sink = s.capture
	}

	s.socket, err = mux.Listen(cfg.Network, cfg.ListenAddress, mux.Config{
		Logger:         log.WithField("component", "mux"),
		Metrics:        s.meter,
		Sink:           sink,
		PollInterval:   cfg.PollInterval,
		ReadBufferSize: cfg.ReadBufferSize,
		TrackRTPLoss:   cfg.TrackRTPLoss,
	})
	if err != nil {
		return nil, err
	}

	requests, err := s.socket.GetFilteredSocket(stun.BindingRequests{})
	if err != nil {
		return nil, fmt.Errorf("get binding request socket: %w", err)
	}
	s.stun = stun.NewServer([]net.PacketConn{requests}, cfg.STUNLogLevel)

	if cfg.STUNServer != "" {
		server, err := net.ResolveUDPAddr(cfg.Network, cfg.STUNServer)
		if err != nil {
			return nil, fmt.Errorf("resolve STUN server %s: %w", cfg.STUNServer, err)
		}
		if s.probes, err = s.socket.GetFilteredSocket(nat.BindingResponses{}); err != nil {
			return nil, fmt.Errorf("get discovery socket: %w", err)
		}
		s.discovery = nat.NewDiscovery(s.probes, server, nat.DefaultTimeout)
	}

	if cfg.EchoMedia {
		for _, f := range []filter.Filter{filter.RTP{}, filter.RTCP{}} {
			ls, err := s.socket.GetFilteredSocket(f)
			if err != nil {
				return nil, fmt.Errorf("get media socket: %w", err)
			}
			s.media = append(s.media, ls)
		}
	}

	if cfg.TURNServer != "" {
		if s.relay, err = s.allocate(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.TCPAddress != "" {
		if s.tcp, err = net.Listen("tcp", cfg.TCPAddress); err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", cfg.TCPAddress, err)
		}
	}

	return s, nil
}

func (s *service) allocate(ctx context.Context) (*turn.RelayedSocket, error) {
	server, err := net.ResolveUDPAddr("udp", s.cfg.TURNServer)
	if err != nil {
		return nil, fmt.Errorf("resolve TURN server %s: %w", s.cfg.TURNServer, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	relay, err := turn.NewRelayedSocket(ctx, turn.Config{
		Mux:         s.socket,
		Server:      server,
		Credentials: turn.Credentials{Username: s.cfg.TURNUser, Password: s.cfg.TURNPassword},
		Logger:      log.WithField("component", "turn"),
	})
	if err != nil {
		return nil, fmt.Errorf("allocate relay on %s: %w", server, err)
	}
	s.log.Infof("relayed address %s", relay.RelayedAddr())
	return relay, nil
}

// Healthy implements metrics.HealthChecker.
func (s *service) Healthy() error {
	if s.socket == nil || s.socket.IsClosed() {
		return errors.New("socket closed")
	}
	return nil
}

// LocalAddr returns the address of the shared UDP socket.
func (s *service) LocalAddr() net.Addr {
	return s.socket.LocalAddr()
}

// run serves until ctx is done or one of the servers fails.
func (s *service) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.metrics != nil {
		g.Go(func() error {
			s.log.Infof("running metrics server: %s%s", s.metrics.Addr, s.metrics.Endpoint)
			if err := s.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := s.stun.Listen(); !errors.Is(err, stun.ErrServerClosed) {
			return fmt.Errorf("STUN server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.drainUnmatched(s.socket, s.log)
	})

	for _, ls := range s.media {
		g.Go(func() error {
			return echo(ls, s.log.WithField("filter", fmt.Sprintf("%T", ls.Filter())))
		})
	}

	if s.relay != nil && s.cfg.TURNEcho {
		g.Go(func() error {
			return echo(s.relay, s.log.WithField("relay", s.relay.RelayedAddr()))
		})
	}

	if s.tcp != nil {
		g.Go(func() error {
			return s.acceptTCP(ctx)
		})
	}

	if s.discovery != nil {
		g.Go(func() error {
			s.discover(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.shutdown(shutdownCtx)
	})

	s.log.Infof("%s serving on %s", version.String(), s.socket.LocalAddr())
	return g.Wait()
}

// discover asks the configured STUN server for the reflexive address of the
// shared port once. A failure does not stop the service.
func (s *service) discover(ctx context.Context) {
	defer func() {
		if err := s.probes.Close(); err != nil {
			s.log.Debugf("failed to close discovery socket: %v", err)
		}
	}()

	res, err := s.discovery.Discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnf("reflexive address discovery failed: %v", err)
		}
		return
	}
	s.reflexive.Store(res)

	if srflx, ok := res.Reflexive(); ok {
		s.log.Infof("discovered candidate %s", srflx)
	}
}

// drainUnmatched consumes datagrams no consumer claimed so they do not hold
// queue space.
func (s *service) drainUnmatched(sock *mux.Socket, logger *log.Entry) error {
	buf := make([]byte, datagram.MaxSize)
	for {
		n, addr, err := sock.ReadFrom(buf)
		switch {
		case err == nil:
			logger.Tracef("unclaimed datagram of %d bytes from %s", n, addr)
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case errors.Is(err, mux.ErrTimeout):
		default:
			return fmt.Errorf("read unmatched datagrams: %w", err)
		}
	}
}

// echo sends everything read from conn back to where it came from.
func echo(conn net.PacketConn, logger *log.Entry) error {
	buf := make([]byte, datagram.MaxSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, mux.ErrTimeout) {
				continue
			}
			return fmt.Errorf("echo read: %w", err)
		}
		if _, err := conn.WriteTo(buf[:n], addr); err != nil {
			logger.Debugf("failed to echo %d bytes to %s: %v", n, addr, err)
		}
	}
}

// acceptTCP serves every ICE-TCP connection on its own demultiplexed socket.
func (s *service) acceptTCP(ctx context.Context) error {
	s.log.Infof("accepting ICE-TCP on %s", s.tcp.Addr())
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveTCP(ctx, conn)
	}
}

func (s *service) serveTCP(ctx context.Context, conn net.Conn) {
	logger := s.log.WithField("tcp", conn.RemoteAddr())
	sock, err := mux.New(mux.NewSafeCloseConn(tcpframe.NewPacketConn(conn)), mux.Config{
		Logger:       logger,
		Metrics:      s.meter,
		PollInterval: s.cfg.PollInterval,
	})
	if err != nil {
		logger.Errorf("failed to serve connection: %v", err)
		_ = conn.Close()
		return
	}

	requests, err := sock.GetFilteredSocket(stun.BindingRequests{})
	if err != nil {
		logger.Errorf("failed to serve connection: %v", err)
		_ = sock.Close()
		return
	}
	responder := stun.NewServer([]net.PacketConn{requests}, s.cfg.STUNLogLevel)
	go func() {
		_ = responder.Listen()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = sock.Close()
	})
	defer stop()

	if err := s.drainUnmatched(sock, logger); err != nil {
		logger.Debugf("connection failed: %v", err)
	}
	if err := responder.Shutdown(); err != nil {
		logger.Debugf("failed to stop responder: %v", err)
	}
	if err := sock.Close(); err != nil {
		logger.Debugf("failed to close connection: %v", err)
	}
	logger.Debugf("connection closed")
}

func (s *service) shutdown(ctx context.Context) error {
	var merr *multierror.Error

	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}
	if err := s.stun.Shutdown(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to close STUN server: %w", err))
	}
	if err := s.closeAll(); err != nil {
		merr = multierror.Append(merr, err)
	}

	return nberrors.FormatErrorOrNil(merr)
}

// closeAll releases the sockets, the relay first so it can deallocate
// through the shared socket.
func (s *service) closeAll() error {
	var merr *multierror.Error

	if s.tcp != nil {
		if err := s.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("close tcp listener: %w", err))
		}
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close relay: %w", err))
		}
	}
	if s.socket != nil {
		if err := s.socket.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close socket: %w", err))
		}
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close capture: %w", err))
		}
	}

	return nberrors.FormatErrorOrNil(merr)
}
