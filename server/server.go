// Package server implements the JIM dispatcher: it accepts connections, runs
// the authentication handshake on each and routes actions between sessions,
// persisting through a storage.Store.
package server

import (
	"log"
	"net"
	"sync"
	"time"

	"jim/models"
	"jim/protocol"
	"jim/secure"
	"jim/storage"
	"jim/transport"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	store    storage.Store
	config   *Config
	listener *transport.Listener

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
}

// session is the per-connection record. login and key are set exactly once,
// when the handshake completes; the endpoint's internal lock is the write
// path other workers take when forwarding into this connection.
type session struct {
	ep    *transport.Endpoint
	login string
	key   []byte

	mu           sync.Mutex
	lastActivity time.Time
	sent         int64
	received     int64
}

func (c *session) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *session) countSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *session) countReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func New(store storage.Store, config *Config) *Server {
	return &Server{
		store:    store,
		config:   config,
		sessions: make(map[string]*session),
	}
}

// Start binds the listen address and serves until the listener is closed.
func (s *Server) Start() error {
	listener, err := transport.Listen(s.config.Addr, s.config.ReadTimeout, s.config.WriteTimeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	log.Printf("JIM server listening on %s", listener.Addr())

	for {
		ep, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(ep)
	}
}

// Addr returns the bound listen address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(ep *transport.Endpoint) {
	remoteAddr := ep.RemoteAddr()
	log.Printf("New client connected from %s", remoteAddr)

	sess, err := s.authenticate(ep)
	if err != nil {
		log.Printf("Handshake with %s failed: %v", remoteAddr, err)
		ep.Close()
		return
	}
	if sess == nil {
		// Normal refusal (bad credentials or duplicate login), already
		// answered in-band.
		ep.Close()
		return
	}

	log.Printf("Client %s authenticated from %s", sess.login, remoteAddr)
	defer s.dropSession(sess, remoteAddr)

	s.deliverQueued(sess)

	for {
		frame, err := ep.GetMessage()
		if err != nil {
			log.Printf("Connection to %s lost: %v", sess.login, err)
			return
		}
		sess.touch()

		msg, derr := s.unwrap(sess, frame)
		if derr != nil {
			// Malformed input is recoverable at the action level.
			s.reply(sess, protocol.MustResponse(protocol.CodeBadRequest, derr.Error(), nil))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Response:
			// Ack for a forwarded message; nothing to route.
		case protocol.Action:
			if quit := s.dispatchAction(sess, m); quit {
				return
			}
		default:
			s.reply(sess, protocol.MustResponse(protocol.CodeBadRequest, "unexpected message type", nil))
		}
	}
}

// unwrap opens the encryption envelope and decodes the frame.
func (s *Server) unwrap(sess *session, frame []byte) (any, error) {
	if !secure.IsEncrypted(frame) {
		return nil, protocol.ErrDecode
	}
	plain, err := secure.Open(sess.key, frame)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(plain)
}

// authenticate runs the server half of the handshake. A nil session with a
// nil error means the connection was refused in-band (402 or 409) and must
// simply be closed.
func (s *Server) authenticate(ep *transport.Endpoint) (*session, error) {
	frame, err := ep.GetMessage()
	if err != nil {
		return nil, err
	}
	step1, err := protocol.DecodeAuth(frame)
	if err != nil {
		return nil, err
	}
	if step1.Step != 1 {
		return nil, protocol.ErrDecode
	}
	clientKey, err := secure.DecodeKey(step1.Data1)
	if err != nil {
		return nil, err
	}

	eph, challenge, nonce, err := secure.NewChallenge()
	if err != nil {
		return nil, err
	}
	if err := s.sendPlain(ep, protocol.MustResponse(protocol.CodeAccepted, "", challenge)); err != nil {
		return nil, err
	}

	frame, err = ep.GetMessage()
	if err != nil {
		return nil, err
	}
	step2, err := protocol.DecodeAuth(frame)
	if err != nil {
		return nil, err
	}
	if step2.Step != 2 {
		return nil, protocol.ErrDecode
	}
	login := step2.Data1
	proof, err := secure.DecodeProof(step2.Data2)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.VerifyPassword(login, nonce, proof)
	if err != nil {
		s.sendPlain(ep, protocol.MustResponse(protocol.CodeServerError, "server error", nil))
		return nil, err
	}
	if !ok {
		// A normal protocol outcome: the user retries on a new connection.
		s.sendPlain(ep, protocol.MustResponse(protocol.CodeBadCredential, "Invalid user/password", nil))
		return nil, nil
	}

	key, err := secure.SessionKey(eph.Private, clientKey, nonce)
	if err != nil {
		return nil, err
	}

	sess := &session{ep: ep, login: login, key: key, lastActivity: time.Now()}
	if !s.register(sess) {
		s.sendPlain(ep, protocol.MustResponse(protocol.CodeConflict, "User already logged in", nil))
		return nil, nil
	}

	if err := s.sendPlain(ep, protocol.MustResponse(protocol.CodeOK, "OK", nil)); err != nil {
		s.unregister(sess)
		return nil, err
	}
	if err := s.store.UpdateLastSeen(login, nowTS()); err != nil {
		log.Printf("Failed to update last_seen for %s: %v", login, err)
	}
	return sess, nil
}

// deliverQueued pushes the offline queue onto a fresh session. A message is
// marked delivered only after its forward succeeds; anything not yet
// forwarded stays queued for the next login.
func (s *Server) deliverQueued(sess *session) {
	queued, err := s.store.PendingOfflineMessages(sess.login)
	if err != nil {
		log.Printf("Failed to load offline messages for %s: %v", sess.login, err)
		return
	}
	delivered := 0
	for _, m := range queued {
		action := protocol.Msg{Time: m.Time, Sender: m.Sender, Receiver: m.Receiver, Text: m.Text}
		if err := s.forward(sess, action); err != nil {
			log.Printf("Offline delivery to %s failed, %d messages stay queued: %v",
				sess.login, len(queued)-delivered, err)
			return
		}
		if err := s.store.MarkDelivered(m.ID); err != nil {
			log.Printf("Failed to mark message %d delivered: %v", m.ID, err)
			return
		}
		delivered++
	}
	if delivered > 0 {
		log.Printf("Delivered %d queued messages to %s", delivered, sess.login)
	}
}

// reply sends a sealed response on the session's own connection.
func (s *Server) reply(sess *session, resp *protocol.Response) {
	raw, err := protocol.EncodeResponse(resp)
	if err != nil {
		log.Printf("Error encoding response for %s: %v", sess.login, err)
		return
	}
	sealed, err := secure.Seal(sess.key, raw)
	if err != nil {
		log.Printf("Error sealing response for %s: %v", sess.login, err)
		return
	}
	if err := sess.ep.PutMessage(sealed); err != nil {
		log.Printf("Error writing to %s: %v", sess.login, err)
	}
}

// forward seals an action with the receiver's key and writes it on the
// receiver's connection. Only the receiver endpoint's write path is held,
// and only for the single framed write.
func (s *Server) forward(receiver *session, action protocol.Action) error {
	raw, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}
	sealed, err := secure.Seal(receiver.key, raw)
	if err != nil {
		return err
	}
	if err := receiver.ep.PutMessage(sealed); err != nil {
		return err
	}
	receiver.countReceived()
	return nil
}

func (s *Server) sendPlain(ep *transport.Endpoint, resp *protocol.Response) error {
	raw, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return ep.PutMessage(raw)
}

// register adds the session to the routing table unless the name is taken.
func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.login]; exists {
		return false
	}
	s.sessions[sess.login] = sess
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[sess.login]; ok && current == sess {
		delete(s.sessions, sess.login)
	}
}

func (s *Server) lookup(login string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[login]
	return sess, ok
}

func (s *Server) dropSession(sess *session, remoteAddr string) {
	s.unregister(sess)
	sess.ep.Close()
	if err := s.store.UpdateLastSeen(sess.login, nowTS()); err != nil {
		log.Printf("Failed to update last_seen for %s: %v", sess.login, err)
	}
	log.Printf("Client %s disconnected from %s", sess.login, remoteAddr)
}

// Snapshot returns the read-only monitoring view: active connections and
// per-user traffic counters.
func (s *Server) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.Snapshot{
		ActiveConnections: len(s.sessions),
		Users:             make([]models.UserStats, 0, len(s.sessions)),
		TakenAt:           time.Now(),
	}
	for login, sess := range s.sessions {
		sess.mu.Lock()
		snap.Users = append(snap.Users, models.UserStats{
			Login:        login,
			Sent:         sess.sent,
			Received:     sess.received,
			LastActivity: sess.lastActivity,
			RemoteAddr:   sess.ep.RemoteAddr(),
		})
		sess.mu.Unlock()
	}
	return snap
}

// Shutdown stops accepting and closes every active session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, sess := range sessions {
		sess.ep.Close()
	}
}
