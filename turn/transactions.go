package turn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRTO                = 500 * time.Millisecond
	defaultMaxRetransmissions = 7
)

var (
	// ErrTransactionTimeout is returned when a request got no response after
	// every retransmission.
	ErrTransactionTimeout = errors.New("turn transaction timed out")
	// ErrClientClosed is returned for requests pending while the relay closes.
	ErrClientClosed = errors.New("turn client closed")
)

// ErrorResponse is an error response received from the server.
type ErrorResponse struct {
	Method stun.Method
	Code   stun.ErrorCode
	Reason string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s error response: %d %s", e.Method, e.Code, e.Reason)
}

type transactionResult struct {
	msg *stun.Message
	err error
}

type transactionKey [stun.TransactionIDSize]byte

// transactions matches responses to outstanding requests by transaction ID.
type transactions struct {
	mu      sync.Mutex
	pending map[transactionKey]chan transactionResult
}

func newTransactions() *transactions {
	return &transactions{pending: make(map[transactionKey]chan transactionResult)}
}

func (t *transactions) register(id transactionKey) <-chan transactionResult {
	ch := make(chan transactionResult, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *transactions) forget(id transactionKey) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolve hands m to the request waiting for it. It reports whether there was one.
func (t *transactions) resolve(m *stun.Message) bool {
	t.mu.Lock()
	ch, ok := t.pending[m.TransactionID]
	delete(t.pending, m.TransactionID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- transactionResult{msg: m}
	return true
}

func (t *transactions) closeAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ch := range t.pending {
		ch <- transactionResult{err: err}
		delete(t.pending, id)
	}
}

// client is the STUN control channel to a TURN server: it sends requests,
// retransmits them and authenticates them.
type client struct {
	conn               net.PacketConn
	server             net.Addr
	messages           MessageBuilder
	auth               *authState
	txs                *transactions
	rto                time.Duration
	maxRetransmissions int
	log                *log.Entry

	closed    chan struct{}
	closeOnce sync.Once
}

// roundTrip sends the request made by build and waits for its response. When
// the server asks for credentials, or says the nonce went stale, the request
// is rebuilt with fresh authentication and sent once more.
func (c *client) roundTrip(ctx context.Context, build func(auth ...stun.Setter) (*stun.Message, error)) (*stun.Message, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(c.auth.setters()...)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		res, err := c.perform(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Type.Class != stun.ClassErrorResponse {
			return res, nil
		}

		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err != nil {
			return nil, fmt.Errorf("%s: malformed error response: %w", req.Type.Method, err)
		}
		retryable := code.Code == stun.CodeUnauthorized || code.Code == stun.CodeStaleNonce
		if attempt == 0 && retryable && c.auth.update(res) {
			c.log.Debugf("%s: server answered %d, retrying with new credentials", req.Type.Method, code.Code)
			continue
		}
		return nil, &ErrorResponse{Method: req.Type.Method, Code: code.Code, Reason: string(code.Reason)}
	}
}

// perform sends req with exponential retransmission until a response arrives.
func (c *client) perform(ctx context.Context, req *stun.Message) (*stun.Message, error) {
	id := transactionKey(req.TransactionID)
	result := c.txs.register(id)
	defer c.txs.forget(id)

	rto := c.rto
	timer := time.NewTimer(rto)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if _, err := c.conn.WriteTo(req.Raw, c.server); err != nil {
			return nil, fmt.Errorf("send %s: %w", req.Type, err)
		}

		select {
		case res := <-result:
			return res.msg, res.err
		case <-timer.C:
			if attempt >= c.maxRetransmissions {
				return nil, fmt.Errorf("%s: %w", req.Type, ErrTransactionTimeout)
			}
			rto *= 2
			timer.Reset(rto)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClientClosed
		}
	}
}

// indicate sends an indication, which has no response.
func (c *client) indicate(m *stun.Message) error {
	_, err := c.conn.WriteTo(m.Raw, c.server)
	return err
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.txs.closeAll(ErrClientClosed)
	})
}
