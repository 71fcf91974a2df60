package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode marks a Response constructed with a code below 100.
	// This is a programming error on the caller's side, not a wire error.
	ErrInvalidCode = errors.New("invalid response code")

	// ErrDecode marks a malformed or unexpected frame. The server downgrades
	// it to Response(400); the client fails the in-flight request.
	ErrDecode = errors.New("protocol decode error")
)

// Message type discriminants carried in the msg_type wire field.
const (
	TypeAuth     = "auth"
	TypeAction   = "action"
	TypeResponse = "response"
)

// Action tags.
const (
	ActionPresence    = "presence"
	ActionMsg         = "msg"
	ActionQuit        = "quit"
	ActionGetContacts = "get_contacts"
	ActionAddContact  = "add_contact"
	ActionDelContact  = "del_contact"
)

// Canonical response codes.
const (
	CodeOK            = 200
	CodeAccepted      = 202
	CodeBadRequest    = 400
	CodeNotAuthorized = 401
	CodeBadCredential = 402
	CodeNotFound      = 404
	CodeConflict      = 409
	CodeServerError   = 500
)

// Auth is one step of the login handshake. Step 1 carries the client's
// public key material in Data1; step 2 carries the username in Data1 and
// the password proof in Data2.
type Auth struct {
	Step  int
	Data1 string
	Data2 string
}

// Action is one of the closed set of client-initiated operations. Tag
// returns the wire tag the codec dispatches on; Timestamp returns the
// mandatory time field.
type Action interface {
	Tag() string
	Timestamp() float64
}

type Presence struct {
	Time        float64
	UserAccount string
	Status      string
}

func (Presence) Tag() string          { return ActionPresence }
func (a Presence) Timestamp() float64 { return a.Time }

type Msg struct {
	Time     float64
	Sender   string
	Receiver string
	Text     string
}

func (Msg) Tag() string          { return ActionMsg }
func (a Msg) Timestamp() float64 { return a.Time }

type Quit struct {
	Time float64
}

func (Quit) Tag() string          { return ActionQuit }
func (a Quit) Timestamp() float64 { return a.Time }

type GetContacts struct {
	Time        float64
	UserAccount string
}

func (GetContacts) Tag() string          { return ActionGetContacts }
func (a GetContacts) Timestamp() float64 { return a.Time }

type AddContact struct {
	Time        float64
	UserAccount string
	Contact     string
}

func (AddContact) Tag() string          { return ActionAddContact }
func (a AddContact) Timestamp() float64 { return a.Time }

type DelContact struct {
	Time        float64
	UserAccount string
	Contact     string
}

func (DelContact) Tag() string          { return ActionDelContact }
func (a DelContact) Timestamp() float64 { return a.Time }

// Response is a server reply. Codes >= 400 are errors, codes in [100, 400)
// are success. The split is fixed at construction and the fields are not
// writable afterwards.
type Response struct {
	code    int
	message string
	data    json.RawMessage
}

// NewResponse builds a Response. Codes below 100 are rejected with
// ErrInvalidCode; such a code never appears on the wire legitimately.
func NewResponse(code int, message string, data any) (*Response, error) {
	if code < 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCode, code)
	}
	r := &Response{code: code, message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode response data: %w", err)
		}
		r.data = raw
	}
	return r, nil
}

// MustResponse is NewResponse for codes known valid at compile time.
func MustResponse(code int, message string, data any) *Response {
	r, err := NewResponse(code, message, data)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Response) Code() int { return r.code }

func (r *Response) IsError() bool { return r.code >= 400 }

// Alert returns the human-readable message for success responses and ""
// for errors. Callers pick the accessor by IsError.
func (r *Response) Alert() string {
	if r.IsError() {
		return ""
	}
	return r.message
}

// ErrorText returns the message for error responses and "" otherwise.
func (r *Response) ErrorText() string {
	if !r.IsError() {
		return ""
	}
	return r.message
}

// Data returns the raw payload, nil when the response carries none.
func (r *Response) Data() json.RawMessage { return r.data }

// DecodeData unmarshals the payload into v.
func (r *Response) DecodeData(v any) error {
	if r.data == nil {
		return fmt.Errorf("%w: response %d carries no data", ErrDecode, r.code)
	}
	if err := json.Unmarshal(r.data, v); err != nil {
		return fmt.Errorf("%w: response data: %v", ErrDecode, err)
	}
	return nil
}
