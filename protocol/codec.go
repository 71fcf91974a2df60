package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// wireMessage is the single JSON shape every frame maps onto. msg_type
// selects which fields are meaningful; pointers distinguish absent from
// zero-valued fields during validation.
type wireMessage struct {
	MsgType string `json:"msg_type"`

	// auth
	AuthAction string  `json:"auth_action,omitempty"`
	Data1      *string `json:"data1,omitempty"`
	Data2      *string `json:"data2,omitempty"`

	// action
	Action      string   `json:"action,omitempty"`
	Time        *float64 `json:"time,omitempty"`
	Sender      *string  `json:"sender,omitempty"`
	Receiver    *string  `json:"receiver,omitempty"`
	UserAccount *string  `json:"user_account,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Contact     *string  `json:"contact,omitempty"`

	// action "msg" text and response message share the wire name.
	Message *string `json:"message,omitempty"`

	// response
	Response *int            `json:"response,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EncodeAuth serializes an Auth step.
func EncodeAuth(a Auth) ([]byte, error) {
	if a.Step != 1 && a.Step != 2 {
		return nil, fmt.Errorf("%w: auth step %d", ErrDecode, a.Step)
	}
	w := wireMessage{
		MsgType:    TypeAuth,
		AuthAction: strconv.Itoa(a.Step),
		Data1:      &a.Data1,
		Data2:      &a.Data2,
	}
	return json.Marshal(w)
}

// EncodeAction serializes an Action variant.
func EncodeAction(a Action) ([]byte, error) {
	t := a.Timestamp()
	w := wireMessage{MsgType: TypeAction, Action: a.Tag(), Time: &t}

	switch v := a.(type) {
	case Presence:
		w.UserAccount, w.Status = &v.UserAccount, &v.Status
	case Msg:
		w.Sender, w.Receiver, w.Message = &v.Sender, &v.Receiver, &v.Text
	case Quit:
	case GetContacts:
		w.UserAccount = &v.UserAccount
	case AddContact:
		w.UserAccount, w.Contact = &v.UserAccount, &v.Contact
	case DelContact:
		w.UserAccount, w.Contact = &v.UserAccount, &v.Contact
	default:
		return nil, fmt.Errorf("%w: unknown action type %T", ErrDecode, a)
	}
	return json.Marshal(w)
}

// EncodeResponse serializes a Response.
func EncodeResponse(r *Response) ([]byte, error) {
	code := r.code
	w := wireMessage{MsgType: TypeResponse, Response: &code, Data: r.data}
	if r.message != "" {
		msg := r.message
		w.Message = &msg
	}
	return json.Marshal(w)
}

// Encode serializes any protocol message.
func Encode(m any) ([]byte, error) {
	switch v := m.(type) {
	case Auth:
		return EncodeAuth(v)
	case *Response:
		return EncodeResponse(v)
	case Action:
		return EncodeAction(v)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrDecode, m)
	}
}

// Decode parses one frame and dispatches on msg_type. It returns an Auth,
// an Action variant or a *Response.
func Decode(raw []byte) (any, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	switch w.MsgType {
	case TypeAuth:
		return decodeAuth(&w)
	case TypeAction:
		return decodeAction(&w)
	case TypeResponse:
		return decodeResponse(&w)
	default:
		return nil, fmt.Errorf("%w: unknown msg_type %q", ErrDecode, w.MsgType)
	}
}

// DecodeAction parses a frame that must be an Action.
func DecodeAction(raw []byte) (Action, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	a, ok := m.(Action)
	if !ok {
		return nil, fmt.Errorf("%w: expected action, got %T", ErrDecode, m)
	}
	return a, nil
}

// DecodeResponse parses a frame that must be a Response.
func DecodeResponse(raw []byte) (*Response, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	r, ok := m.(*Response)
	if !ok {
		return nil, fmt.Errorf("%w: expected response, got %T", ErrDecode, m)
	}
	return r, nil
}

// DecodeAuth parses a frame that must be an Auth step.
func DecodeAuth(raw []byte) (Auth, error) {
	m, err := Decode(raw)
	if err != nil {
		return Auth{}, err
	}
	a, ok := m.(Auth)
	if !ok {
		return Auth{}, fmt.Errorf("%w: expected auth, got %T", ErrDecode, m)
	}
	return a, nil
}

func decodeAuth(w *wireMessage) (Auth, error) {
	step, err := strconv.Atoi(w.AuthAction)
	if err != nil || (step != 1 && step != 2) {
		return Auth{}, fmt.Errorf("%w: auth_action %q", ErrDecode, w.AuthAction)
	}
	if w.Data1 == nil || w.Data2 == nil {
		return Auth{}, fmt.Errorf("%w: auth step %d missing data fields", ErrDecode, step)
	}
	return Auth{Step: step, Data1: *w.Data1, Data2: *w.Data2}, nil
}

func decodeAction(w *wireMessage) (Action, error) {
	if w.Time == nil {
		return nil, fmt.Errorf("%w: action %q missing time", ErrDecode, w.Action)
	}
	t := *w.Time

	need := func(name string, f *string) (string, error) {
		if f == nil {
			return "", fmt.Errorf("%w: action %q missing field %q", ErrDecode, w.Action, name)
		}
		return *f, nil
	}

	switch w.Action {
	case ActionPresence:
		user, err := need("user_account", w.UserAccount)
		if err != nil {
			return nil, err
		}
		status := ""
		if w.Status != nil {
			status = *w.Status
		}
		return Presence{Time: t, UserAccount: user, Status: status}, nil

	case ActionMsg:
		sender, err := need("sender", w.Sender)
		if err != nil {
			return nil, err
		}
		receiver, err := need("receiver", w.Receiver)
		if err != nil {
			return nil, err
		}
		text, err := need("message", w.Message)
		if err != nil {
			return nil, err
		}
		return Msg{Time: t, Sender: sender, Receiver: receiver, Text: text}, nil

	case ActionQuit:
		return Quit{Time: t}, nil

	case ActionGetContacts:
		user, err := need("user_account", w.UserAccount)
		if err != nil {
			return nil, err
		}
		return GetContacts{Time: t, UserAccount: user}, nil

	case ActionAddContact, ActionDelContact:
		user, err := need("user_account", w.UserAccount)
		if err != nil {
			return nil, err
		}
		contact, err := need("contact", w.Contact)
		if err != nil {
			return nil, err
		}
		if w.Action == ActionAddContact {
			return AddContact{Time: t, UserAccount: user, Contact: contact}, nil
		}
		return DelContact{Time: t, UserAccount: user, Contact: contact}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrDecode, w.Action)
	}
}

func decodeResponse(w *wireMessage) (*Response, error) {
	if w.Response == nil {
		return nil, fmt.Errorf("%w: response missing code", ErrDecode)
	}
	msg := ""
	if w.Message != nil {
		msg = *w.Message
	}
	r, err := NewResponse(*w.Response, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: response code %d", ErrDecode, *w.Response)
	}
	r.data = w.Data
	return r, nil
}
