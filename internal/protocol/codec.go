package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Delimiter terminates every frame on a stream transport.
const Delimiter byte = '\n'

// DefaultMaxFrameBytes bounds one frame, delimiter excluded.
const DefaultMaxFrameBytes = 1 << 20

// Encode serializes f as one delimited line.
func Encode(f Frame) ([]byte, error) {
	if f.MType == "" {
		return nil, ErrMissingMType
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(payload, Delimiter), nil
}

// Decode parses one frame. A trailing delimiter is tolerated.
func Decode(line []byte) (Frame, error) {
	line = trimLine(line)
	if len(line) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		if errors.Is(err, ErrMissingMType) || errors.Is(err, ErrMalformedFrame) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Peek validates line as JSON and extracts its message type without a full decode.
func Peek(line []byte) (MType, error) {
	line = trimLine(line)
	if !gjson.ValidBytes(line) {
		return "", ErrMalformedFrame
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return "", fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}
	mt := root.Get(FieldMType)
	if !mt.Exists() || mt.Type != gjson.String || mt.Str == "" {
		return "", ErrMissingMType
	}
	return MType(mt.Str), nil
}

// PeekToken returns the token of a frame that may not decode fully.
func PeekToken(line []byte) Token {
	tok := gjson.GetBytes(trimLine(line), FieldToken)
	if tok.Type != gjson.Number {
		return 0
	}
	return Token(tok.Uint())
}

// EncodeValue marshals an arbitrary property value.
func EncodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: value is not valid json", ErrInvalidField)
		}
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidField, err)
	}
	return raw, nil
}

// DecodeValue unmarshals a property value keeping numbers as json.Number.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidField, err)
	}
	return v, nil
}

func trimLine(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}
