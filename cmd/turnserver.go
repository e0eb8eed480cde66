package cmd

import (
	"fmt"
	"net"
	"strings"

	pionturn "github.com/pion/turn/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/icemux/util"
)

// TurnServerConfig configures a TURN server for trying out the relay client.
type TurnServerConfig struct {
	ListenAddress string
	RelayIP       string
	Realm         string
	Users         []string
}

func (c TurnServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddress, err)
	}
	if net.ParseIP(c.RelayIP) == nil {
		return fmt.Errorf("invalid relay ip %q", c.RelayIP)
	}
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if _, err := c.authKeys(); err != nil {
		return err
	}
	return nil
}

// authKeys parses the user=password list into long-term credential keys.
func (c TurnServerConfig) authKeys() (map[string][]byte, error) {
	if len(c.Users) == 0 {
		return nil, fmt.Errorf("at least one user is required")
	}

	keys := make(map[string][]byte, len(c.Users))
	for _, u := range c.Users {
		name, password, ok := strings.Cut(u, "=")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("invalid user %q, expected user=password", u)
		}
		keys[name] = pionturn.GenerateAuthKey(name, c.Realm, password)
	}
	return keys, nil
}

func newTurnServerCmd() *cobra.Command {
	cfg := TurnServerConfig{
		ListenAddress: "0.0.0.0:3479",
		RelayIP:       "127.0.0.1",
		Realm:         "icemux",
	}

	cmd := &cobra.Command{
		Use:   "turn-server",
		Short: "Run a minimal TURN server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			server, _, err := startTurnServer(cfg)
			if err != nil {
				return err
			}

			<-cmd.Context().Done()
			log.Infof("shutting down TURN server")
			return server.Close()
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.ListenAddress, "listen-address", "l", cfg.ListenAddress, "UDP listen address")
	flags.StringVar(&cfg.RelayIP, "relay-ip", cfg.RelayIP, "address relays are allocated on")
	flags.StringVar(&cfg.Realm, "realm", cfg.Realm, "authentication realm")
	flags.StringSliceVarP(&cfg.Users, "user", "u", nil, "user=password, can be repeated")

	return cmd
}

func startTurnServer(cfg TurnServerConfig) (*pionturn.Server, net.Addr, error) {
	keys, err := cfg.authKeys()
	if err != nil {
		return nil, nil, err
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}

	logger := log.WithField("component", "turn-server")
	server, err := pionturn.NewServer(pionturn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, src net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				logger.Debugf("unknown user %q from %s", username, src)
			}
			return key, ok
		},
		PacketConnConfigs: []pionturn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &pionturn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP(cfg.RelayIP),
					Address:      "0.0.0.0",
				},
			},
		},
		LoggerFactory: util.NewPionLoggerFactory(log.StandardLogger()),
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("create TURN server: %w", err)
	}

	logger.Infof("TURN server listening on %s, relaying on %s", conn.LocalAddr(), cfg.RelayIP)
	return server, conn.LocalAddr(), nil
}
