package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestActionRoundTrip(t *testing.T) {
	tests := []Action{
		Presence{Time: 1700000000.5, UserAccount: "alice", Status: "online"},
		Presence{Time: 1700000000.5, UserAccount: "alice"},
		Msg{Time: 1700000001.25, Sender: "alice", Receiver: "bob", Text: "hello"},
		Msg{Time: 1700000001.25, Sender: "alice", Receiver: "bob", Text: ""},
		Quit{Time: 1700000002},
		GetContacts{Time: 1700000003, UserAccount: "alice"},
		AddContact{Time: 1700000004, UserAccount: "alice", Contact: "bob"},
		DelContact{Time: 1700000005, UserAccount: "alice", Contact: "bob"},
	}

	for _, want := range tests {
		raw, err := EncodeAction(want)
		if err != nil {
			t.Fatalf("EncodeAction(%v): %v", want, err)
		}
		got, err := DecodeAction(raw)
		if err != nil {
			t.Fatalf("DecodeAction(%s): %v", raw, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip %s: got %#v, want %#v", want.Tag(), got, want)
		}
	}
}

func TestAuthRoundTrip(t *testing.T) {
	tests := []Auth{
		{Step: 1, Data1: "a2V5", Data2: ""},
		{Step: 2, Data1: "alice", Data2: "cHJvb2Y="},
	}
	for _, want := range tests {
		raw, err := EncodeAuth(want)
		if err != nil {
			t.Fatalf("EncodeAuth(%v): %v", want, err)
		}
		got, err := DecodeAuth(raw)
		if err != nil {
			t.Fatalf("DecodeAuth(%s): %v", raw, err)
		}
		if got != want {
			t.Errorf("round trip: got %#v, want %#v", got, want)
		}
	}
}

func TestEncodeAuthBadStep(t *testing.T) {
	if _, err := EncodeAuth(Auth{Step: 3}); !errors.Is(err, ErrDecode) {
		t.Errorf("EncodeAuth(step 3) err = %v, want ErrDecode", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := MustResponse(202, "contacts follow", []string{"bob", "carol"})
	raw, err := EncodeResponse(want)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	got, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse(%s): %v", raw, err)
	}
	if got.Code() != 202 || got.Alert() != "contacts follow" {
		t.Errorf("got code %d alert %q", got.Code(), got.Alert())
	}
	var contacts []string
	if err := got.DecodeData(&contacts); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if !reflect.DeepEqual(contacts, []string{"bob", "carol"}) {
		t.Errorf("data = %v", contacts)
	}
}

func TestResponseRoundTripError(t *testing.T) {
	raw, err := EncodeResponse(MustResponse(404, "no such user", nil))
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	got, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !got.IsError() || got.ErrorText() != "no such user" {
		t.Errorf("got code %d error %q", got.Code(), got.ErrorText())
	}
	if got.Data() != nil {
		t.Errorf("unexpected data %s", got.Data())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown msg_type", `{"msg_type":"probe"}`},
		{"missing msg_type", `{"action":"presence","time":1}`},
		{"unknown action", `{"msg_type":"action","action":"dance","time":1}`},
		{"action without time", `{"msg_type":"action","action":"presence","user_account":"a"}`},
		{"presence without account", `{"msg_type":"action","action":"presence","time":1}`},
		{"msg without receiver", `{"msg_type":"action","action":"msg","time":1,"sender":"a","message":"x"}`},
		{"msg without text", `{"msg_type":"action","action":"msg","time":1,"sender":"a","receiver":"b"}`},
		{"add_contact without contact", `{"msg_type":"action","action":"add_contact","time":1,"user_account":"a"}`},
		{"auth bad step", `{"msg_type":"auth","auth_action":"9","data1":"","data2":""}`},
		{"auth missing data", `{"msg_type":"auth","auth_action":"1"}`},
		{"response without code", `{"msg_type":"response","message":"hi"}`},
		{"response code below 100", `{"msg_type":"response","response":42}`},
	}

	for _, tt := range tests {
		if _, err := Decode([]byte(tt.raw)); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: Decode err = %v, want ErrDecode", tt.name, err)
		}
	}
}

func TestDecodeDispatch(t *testing.T) {
	raw, _ := EncodeAction(Quit{Time: 1})
	if _, err := DecodeResponse(raw); !errors.Is(err, ErrDecode) {
		t.Errorf("DecodeResponse(action) err = %v, want ErrDecode", err)
	}
	raw, _ = EncodeResponse(MustResponse(200, "OK", nil))
	if _, err := DecodeAction(raw); !errors.Is(err, ErrDecode) {
		t.Errorf("DecodeAction(response) err = %v, want ErrDecode", err)
	}
	if _, err := DecodeAuth(raw); !errors.Is(err, ErrDecode) {
		t.Errorf("DecodeAuth(response) err = %v, want ErrDecode", err)
	}
}

func TestWireFieldNames(t *testing.T) {
	raw, err := EncodeAction(Msg{Time: 2.5, Sender: "alice", Receiver: "bob", Text: "hi"})
	if err != nil {
		t.Fatalf("EncodeAction: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"msg_type", "action", "time", "sender", "receiver", "message"} {
		if _, ok := m[key]; !ok {
			t.Errorf("wire frame missing %q: %s", key, raw)
		}
	}
	if m["msg_type"] != "action" || m["action"] != "msg" {
		t.Errorf("bad discriminants in %s", raw)
	}
}
