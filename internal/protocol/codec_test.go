package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/chprops/internal/testutil/testlog"
)

func TestEncodeDecodeEveryCoreFrameIsLossless(t *testing.T) {
	testlog.Start(t)
	frames := []Frame{
		NewIdentify("chprops test", "none"),
		withToken(NewGet(1, "value"), 1),
		withToken(NewSet(1, "value", json.RawMessage(`7`)), 2),
		NewSubscribe(0, []string{"objects", "time"}),
		withToken(NewUnsubscribe(1, []string{"value"}), 3),
		NewUpdate(1, "value", json.RawMessage(`{"nested":[1,2,"x"]}`)),
		NewReply(4, StatusSuccess, json.RawMessage(`6`)),
		NewReply(5, StatusNoSuchProperty, nil),
	}
	for _, in := range frames {
		line, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.MType, err)
		}
		if line[len(line)-1] != Delimiter || strings.Count(string(line), "\n") != 1 {
			t.Fatalf("frame must be exactly one line: %q", line)
		}
		out, err := Decode(line)
		if err != nil {
			t.Fatalf("decode %s: %v", in.MType, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
		}
		if err := Validate(out); err != nil {
			t.Fatalf("validate %s: %v", in.MType, err)
		}
	}
}

func TestDecodeUniverseObjectIDZeroIsPresent(t *testing.T) {
	testlog.Start(t)
	f, err := Decode([]byte(`{"mtype":"get","token":9,"object":0,"property":"objects"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, ok := f.ObjectID()
	if !ok || id != UniverseID {
		t.Fatalf("expected universe object id, got %v present=%v", id, ok)
	}
}

func TestDecodeNullTokenMeansOneWay(t *testing.T) {
	testlog.Start(t)
	f, err := Decode([]byte(`{"mtype":"subscribe","token":null,"object":1,"properties":["value"]}` + "\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.HasToken() {
		t.Fatalf("null token must decode as absent, got %d", f.Token)
	}
	if len(f.Properties) != 1 || f.Properties[0] != "value" {
		t.Fatalf("unexpected properties: %+v", f.Properties)
	}
}

func TestDecodePreservesExtensionFields(t *testing.T) {
	testlog.Start(t)
	line := []byte(`{"mtype":"ping","nonce":"abc","count":3}`)
	f, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(f.Extra["nonce"]) != `"abc"` || string(f.Extra["count"]) != `3` {
		t.Fatalf("unexpected extras: %+v", f.Extra)
	}
	again, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(again)
	if err != nil {
		t.Fatalf("decode again: %v", err)
	}
	if !reflect.DeepEqual(f, back) {
		t.Fatalf("extension frame changed: %+v vs %+v", f, back)
	}
}

func TestDecodeMalformedAndMissingMType(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte(`{"mtype":"get",`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if _, err := Decode([]byte(`{"token":1}`)); !errors.Is(err, ErrMissingMType) {
		t.Fatalf("expected ErrMissingMType, got %v", err)
	}
	if _, err := Decode([]byte(`{"mtype":"get","token":-4}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for negative token, got %v", err)
	}
	if _, err := Decode([]byte("   \n")); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for blank line, got %v", err)
	}
}

func TestPeek(t *testing.T) {
	testlog.Start(t)
	mt, err := Peek([]byte(`{"mtype":"update","object":1}` + "\n"))
	if err != nil || mt != MTypeUpdate {
		t.Fatalf("peek = %q, %v", mt, err)
	}
	if _, err := Peek([]byte(`[1,2]`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for array, got %v", err)
	}
	if _, err := Peek([]byte(`{"mtype":7}`)); !errors.Is(err, ErrMissingMType) {
		t.Fatalf("expected ErrMissingMType, got %v", err)
	}
	if tok := PeekToken([]byte(`{"mtype":"get","token":12,"object":"bad"}`)); tok != 12 {
		t.Fatalf("expected token 12, got %d", tok)
	}
}

func TestDecodeValueKeepsIntegers(t *testing.T) {
	testlog.Start(t)
	v, err := DecodeValue(json.RawMessage(`9007199254740993`))
	if err != nil {
		t.Fatalf("decode value: %v", err)
	}
	raw, err := EncodeValue(v)
	if err != nil {
		t.Fatalf("encode value: %v", err)
	}
	if string(raw) != `9007199254740993` {
		t.Fatalf("integer precision lost: %s", raw)
	}
}

func withToken(f Frame, tok Token) Frame {
	f.Token = tok
	return f
}
