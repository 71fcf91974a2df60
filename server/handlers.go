package server

import (
	"log"
	"time"

	"jim/protocol"
)

// dispatchAction routes one decoded action and replies in-band. The return
// value reports whether the connection should close (quit). A panic in a
// handler is downgraded to Response(500); the connection and all other
// sessions survive.
func (s *Server) dispatchAction(sess *session, action protocol.Action) (quit bool) {
	resp := s.serveAction(sess, action)
	s.reply(sess, resp)
	return action.Tag() == protocol.ActionQuit
}

func (s *Server) serveAction(sess *session, action protocol.Action) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic serving %q for %s: %v", action.Tag(), sess.login, r)
			resp = protocol.MustResponse(protocol.CodeServerError, "server error", nil)
		}
	}()

	switch a := action.(type) {
	case protocol.Presence:
		return s.handlePresence(sess, a)
	case protocol.Msg:
		return s.handleMsg(sess, a)
	case protocol.GetContacts:
		return s.handleGetContacts(sess, a)
	case protocol.AddContact:
		return s.handleAddContact(sess, a)
	case protocol.DelContact:
		return s.handleDelContact(sess, a)
	case protocol.Quit:
		return protocol.MustResponse(protocol.CodeOK, "OK", nil)
	default:
		return protocol.MustResponse(protocol.CodeBadRequest, "unknown action", nil)
	}
}

// owned rejects actions claiming an account other than the authenticated one.
func (s *Server) owned(sess *session, account string) *protocol.Response {
	if account != sess.login {
		return protocol.MustResponse(protocol.CodeNotAuthorized, "not authorized for this account", nil)
	}
	return nil
}

func (s *Server) handlePresence(sess *session, a protocol.Presence) *protocol.Response {
	if resp := s.owned(sess, a.UserAccount); resp != nil {
		return resp
	}
	if err := s.store.UpdateLastSeen(sess.login, a.Time); err != nil {
		log.Printf("Presence update for %s failed: %v", sess.login, err)
		return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
	}
	return protocol.MustResponse(protocol.CodeOK, "OK", nil)
}

// handleMsg forwards to a live session or queues durably. 200 goes to the
// sender only after one of the two has happened.
func (s *Server) handleMsg(sess *session, a protocol.Msg) *protocol.Response {
	if resp := s.owned(sess, a.Sender); resp != nil {
		return resp
	}

	if _, err := s.store.GetUser(a.Receiver); err != nil {
		return protocol.MustResponse(protocol.CodeNotFound, "receiver not found", nil)
	}

	if receiver, online := s.lookup(a.Receiver); online {
		if err := s.forward(receiver, a); err != nil {
			// The receiver's socket died mid-forward; fall back to the queue
			// so the message is not lost.
			log.Printf("Forward to %s failed, queueing: %v", a.Receiver, err)
			if qerr := s.store.EnqueueOfflineMessage(a.Receiver, a.Sender, a.Text, a.Time); qerr != nil {
				return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
			}
		} else if err := s.store.LogMessage(a.Sender, a.Receiver, a.Text, a.Time); err != nil {
			log.Printf("Message log write failed: %v", err)
		}
	} else {
		if err := s.store.EnqueueOfflineMessage(a.Receiver, a.Sender, a.Text, a.Time); err != nil {
			return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
		}
	}

	sess.countSent()
	return protocol.MustResponse(protocol.CodeOK, "OK", nil)
}

func (s *Server) handleGetContacts(sess *session, a protocol.GetContacts) *protocol.Response {
	if resp := s.owned(sess, a.UserAccount); resp != nil {
		return resp
	}
	contacts, err := s.store.GetContacts(sess.login)
	if err != nil {
		log.Printf("Contact list for %s failed: %v", sess.login, err)
		return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
	}
	return protocol.MustResponse(protocol.CodeAccepted, "", contacts)
}

func (s *Server) handleAddContact(sess *session, a protocol.AddContact) *protocol.Response {
	if resp := s.owned(sess, a.UserAccount); resp != nil {
		return resp
	}
	if _, err := s.store.GetUser(a.Contact); err != nil {
		return protocol.MustResponse(protocol.CodeNotFound, "no such user", nil)
	}
	added, err := s.store.AddContact(sess.login, a.Contact)
	if err != nil {
		log.Printf("Add contact for %s failed: %v", sess.login, err)
		return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
	}
	if !added {
		// Duplicate edges are refused, not silently accepted.
		return protocol.MustResponse(protocol.CodeConflict, "contact already exists", nil)
	}
	return protocol.MustResponse(protocol.CodeOK, "OK", nil)
}

func (s *Server) handleDelContact(sess *session, a protocol.DelContact) *protocol.Response {
	if resp := s.owned(sess, a.UserAccount); resp != nil {
		return resp
	}
	removed, err := s.store.DeleteContact(sess.login, a.Contact)
	if err != nil {
		log.Printf("Delete contact for %s failed: %v", sess.login, err)
		return protocol.MustResponse(protocol.CodeServerError, "server error", nil)
	}
	if !removed {
		return protocol.MustResponse(protocol.CodeNotFound, "no such contact", nil)
	}
	return protocol.MustResponse(protocol.CodeOK, "OK", nil)
}

// nowTS is the float Unix timestamp the wire format uses.
func nowTS() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
