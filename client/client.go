// Package client implements the JIM client runtime: one logical session
// driven through connect, handshake and authenticated request/response
// cycles. The runtime never reconnects by itself; after a transport failure
// the caller gets the error and decides.
package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"jim/protocol"
	"jim/secure"
	"jim/transport"
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake-pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrNotAuthenticated = errors.New("client is not authenticated")

type Client struct {
	keys         *secure.KeyStore
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	state State
	ep    *transport.Endpoint
	login string
	key   []byte

	// Actions pushed by the server that arrived while waiting for a
	// response; ReadAction drains these first.
	inbox []protocol.Action
}

// New builds a client that keeps per-user key files under keysDir.
func New(keysDir string, readTimeout, writeTimeout time.Duration) *Client {
	return &Client{
		keys:         secure.NewKeyStore(keysDir),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		state:        StateDisconnected,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the TCP connection. The handshake still has to be
// driven by Login.
func (c *Client) Connect(addr string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("connect in state %s", c.state)
	}

	c.state = StateConnecting
	ep, err := transport.Dial(addr, timeout, c.readTimeout, c.writeTimeout)
	if err != nil {
		c.state = StateDisconnected
		return err
	}
	c.ep = ep
	c.state = StateHandshakePending
	return nil
}

// Login drives the 4-step handshake. Credential rejection (402) and login
// conflicts (409) come back as the in-band Response with a nil error; the
// connection is closed either way and a retry needs a fresh Connect. A
// non-nil error means key setup or the transport failed.
func (c *Client) Login(username, password string) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshakePending {
		return nil, fmt.Errorf("login in state %s", c.state)
	}

	kp, err := c.keys.LoadOrCreate(username)
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, fmt.Errorf("load key pair for %q: %w", username, err)
	}

	// Step 1: offer our public key.
	step1 := protocol.Auth{Step: 1, Data1: base64.StdEncoding.EncodeToString(kp.Public[:])}
	if err := c.putPlainLocked(step1); err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}

	// Step 2: the server's challenge arrives as a plaintext 202.
	resp, err := c.getPlainResponseLocked()
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}
	if resp.IsError() {
		c.teardownLocked(StateDisconnected)
		return resp, nil
	}
	var challenge secure.Challenge
	if err := resp.DecodeData(&challenge); err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, fmt.Errorf("bad challenge: %w", err)
	}
	serverKey, err := secure.DecodeKey(challenge.ServerKey)
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, fmt.Errorf("bad challenge nonce: %w", err)
	}

	// Step 3: answer with the password proof.
	proof := secure.Proof(secure.PassKey(username, password), nonce)
	step2 := protocol.Auth{Step: 2, Data1: username, Data2: base64.StdEncoding.EncodeToString(proof)}
	if err := c.putPlainLocked(step2); err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}

	// Step 4: verdict.
	resp, err = c.getPlainResponseLocked()
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}
	if resp.IsError() {
		c.teardownLocked(StateDisconnected)
		return resp, nil
	}

	key, err := secure.SessionKey(kp.Private, serverKey, nonce)
	if err != nil {
		c.teardownLocked(StateDisconnected)
		return nil, err
	}
	c.login = username
	c.key = key
	c.state = StateAuthenticated
	return resp, nil
}

// Login name of the authenticated user, "" before Login succeeds.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

// SendAction seals and sends an action, then blocks for the matching
// Response. Server-pushed actions arriving in between are acknowledged and
// queued for ReadAction. Transport failures tear the connection down.
func (c *Client) SendAction(action protocol.Action) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	raw, err := protocol.EncodeAction(action)
	if err != nil {
		return nil, err
	}
	if err := c.putSealedLocked(raw); err != nil {
		c.teardownLocked(StateClosed)
		return nil, err
	}

	for {
		msg, err := c.getSealedLocked()
		if err != nil {
			// Decode failures are fatal to this request only; the
			// connection stays usable for the next call.
			if errors.Is(err, transport.ErrCommunication) || errors.Is(err, transport.ErrClosed) {
				c.teardownLocked(StateClosed)
			}
			return nil, err
		}
		switch m := msg.(type) {
		case *protocol.Response:
			return m, nil
		case protocol.Action:
			if err := c.ackLocked(); err != nil {
				c.teardownLocked(StateClosed)
				return nil, err
			}
			c.inbox = append(c.inbox, m)
		}
	}
}

// ReadAction blocks for the next server-initiated action and automatically
// acknowledges it with Response(200, "OK").
func (c *Client) ReadAction() (protocol.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	if len(c.inbox) > 0 {
		a := c.inbox[0]
		c.inbox = c.inbox[1:]
		return a, nil
	}

	for {
		msg, err := c.getSealedLocked()
		if err != nil {
			if errors.Is(err, transport.ErrCommunication) || errors.Is(err, transport.ErrClosed) {
				c.teardownLocked(StateClosed)
			}
			return nil, err
		}
		a, ok := msg.(protocol.Action)
		if !ok {
			// A stray response with no request in flight; drop it.
			continue
		}
		if err := c.ackLocked(); err != nil {
			c.teardownLocked(StateClosed)
			return nil, err
		}
		return a, nil
	}
}

// Quit tells the server the session is over and closes the connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return c.Close()
	}
	raw, err := protocol.EncodeAction(protocol.Quit{Time: nowTS()})
	if err == nil {
		if perr := c.putSealedLocked(raw); perr == nil {
			// Best effort: wait for the ack, ignore what it says.
			c.getSealedLocked()
		}
	}
	c.teardownLocked(StateClosed)
	c.mu.Unlock()
	return nil
}

// Close releases the connection. Safe to call in any state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(StateClosed)
	return nil
}

func (c *Client) teardownLocked(next State) {
	if c.ep != nil {
		c.ep.Close()
		c.ep = nil
	}
	c.login = ""
	c.key = nil
	c.inbox = nil
	c.state = next
}

func (c *Client) putPlainLocked(a protocol.Auth) error {
	raw, err := protocol.EncodeAuth(a)
	if err != nil {
		return err
	}
	return c.ep.PutMessage(raw)
}

func (c *Client) getPlainResponseLocked() (*protocol.Response, error) {
	frame, err := c.ep.GetMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponse(frame)
}

func (c *Client) putSealedLocked(raw []byte) error {
	sealed, err := secure.Seal(c.key, raw)
	if err != nil {
		return err
	}
	return c.ep.PutMessage(sealed)
}

func (c *Client) getSealedLocked() (any, error) {
	frame, err := c.ep.GetMessage()
	if err != nil {
		return nil, err
	}
	if !secure.IsEncrypted(frame) {
		return nil, fmt.Errorf("%w: expected sealed frame", protocol.ErrDecode)
	}
	plain, err := secure.Open(c.key, frame)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(plain)
}

func (c *Client) ackLocked() error {
	raw, err := protocol.EncodeResponse(protocol.MustResponse(protocol.CodeOK, "OK", nil))
	if err != nil {
		return err
	}
	return c.putSealedLocked(raw)
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
