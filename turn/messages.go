package turn

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

const protoUDP = 17

// MessageBuilder encodes the TURN requests and indications a relayed socket
// sends. auth carries the long-term credential attributes, it is empty
// before the server asked for authentication.
type MessageBuilder interface {
	AllocateRequest(lifetime time.Duration, auth ...stun.Setter) (*stun.Message, error)
	RefreshRequest(lifetime time.Duration, auth ...stun.Setter) (*stun.Message, error)
	CreatePermissionRequest(peer *net.UDPAddr, auth ...stun.Setter) (*stun.Message, error)
	ChannelBindRequest(peer *net.UDPAddr, number uint16, auth ...stun.Setter) (*stun.Message, error)
	SendIndication(peer *net.UDPAddr, data []byte) (*stun.Message, error)
}

type messageBuilder struct{}

// NewMessageBuilder returns the MessageBuilder used by default.
func NewMessageBuilder() MessageBuilder {
	return messageBuilder{}
}

func (messageBuilder) AllocateRequest(lifetime time.Duration, auth ...stun.Setter) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		requestedTransport(protoUDP),
	}
	if lifetime > 0 {
		setters = append(setters, lifetimeAttr(lifetime))
	}
	return build(setters, auth)
}

func (messageBuilder) RefreshRequest(lifetime time.Duration, auth ...stun.Setter) (*stun.Message, error) {
	return build([]stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		lifetimeAttr(lifetime),
	}, auth)
}

func (messageBuilder) CreatePermissionRequest(peer *net.UDPAddr, auth ...stun.Setter) (*stun.Message, error) {
	return build([]stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodCreatePermission, stun.ClassRequest),
		peerAddress{peer},
	}, auth)
}

func (messageBuilder) ChannelBindRequest(peer *net.UDPAddr, number uint16, auth ...stun.Setter) (*stun.Message, error) {
	return build([]stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassRequest),
		channelNumber(number),
		peerAddress{peer},
	}, auth)
}

func (messageBuilder) SendIndication(peer *net.UDPAddr, data []byte) (*stun.Message, error) {
	return stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodSend, stun.ClassIndication),
		peerAddress{peer},
		dataAttr(data),
		stun.Fingerprint,
	)
}

func build(setters, auth []stun.Setter) (*stun.Message, error) {
	setters = append(setters, auth...)
	setters = append(setters, stun.Fingerprint)
	return stun.Build(setters...)
}

type peerAddress struct {
	addr *net.UDPAddr
}

func (p peerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress{IP: p.addr.IP, Port: p.addr.Port}.AddToAs(m, stun.AttrXORPeerAddress)
}

type channelNumber uint16

func (n channelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, uint16(n))
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

type requestedTransport byte

func (p requestedTransport) AddTo(m *stun.Message) error {
	m.Add(stun.AttrRequestedTransport, []byte{byte(p), 0, 0, 0})
	return nil
}

type lifetimeAttr time.Duration

func (l lifetimeAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(time.Duration(l)/time.Second))
	m.Add(stun.AttrLifetime, v)
	return nil
}

type dataAttr []byte

func (d dataAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

func getPeerAddress(m *stun.Message) (*net.UDPAddr, error) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, stun.AttrXORPeerAddress); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
}

func getRelayedAddress(m *stun.Message) (*net.UDPAddr, error) {
	var addr stun.XORMappedAddress
	if err := addr.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
}

func getLifetime(m *stun.Message) (time.Duration, error) {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("lifetime attribute has %d bytes", len(v))
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second, nil
}

func getChannelNumber(m *stun.Message) (uint16, error) {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("channel number attribute has %d bytes", len(v))
	}
	return binary.BigEndian.Uint16(v), nil
}

// Credentials are the long-term credentials of a TURN account.
type Credentials struct {
	Username string
	Password string
}

// authState holds what the server told us about its realm and nonce.
type authState struct {
	creds Credentials

	mu        sync.Mutex
	realm     string
	nonce     string
	integrity stun.MessageIntegrity
}

// setters returns the attributes that authenticate a request. It is empty
// until the server sent a realm and a nonce.
func (a *authState) setters() []stun.Setter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.realm == "" || a.nonce == "" {
		return nil
	}
	return []stun.Setter{
		stun.NewUsername(a.creds.Username),
		stun.NewRealm(a.realm),
		stun.NewNonce(a.nonce),
		a.integrity,
	}
}

// update takes realm and nonce from an error response. It reports whether
// the request is worth retrying.
func (a *authState) update(m *stun.Message) bool {
	var realm stun.Realm
	var nonce stun.Nonce
	realmErr := realm.GetFrom(m)
	if err := nonce.GetFrom(m); err != nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if realmErr == nil && realm.String() != a.realm {
		a.realm = realm.String()
		a.integrity = stun.NewLongTermIntegrity(a.creds.Username, a.realm, a.creds.Password)
	}
	if a.realm == "" {
		return false
	}
	a.nonce = nonce.String()
	return true
}
