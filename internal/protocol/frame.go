package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire field names.
const (
	FieldMType          = "mtype"
	FieldToken          = "token"
	FieldObject         = "object"
	FieldProperty       = "property"
	FieldProperties     = "properties"
	FieldValue          = "value"
	FieldStatus         = "status"
	FieldServer         = "server"
	FieldSpecialization = "specialization"
)

var jsonNull = []byte("null")

// MarshalJSON writes the frame as one flat object. Absent fields are omitted.
func (f Frame) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 4+len(f.Extra))
	for k, v := range f.Extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidField, key, err)
		}
		out[key] = raw
		return nil
	}

	if err := put(FieldMType, f.MType); err != nil {
		return nil, err
	}
	if f.Token != 0 {
		if err := put(FieldToken, uint64(f.Token)); err != nil {
			return nil, err
		}
	}
	if f.Object != nil {
		if err := put(FieldObject, uint64(*f.Object)); err != nil {
			return nil, err
		}
	}
	if f.Property != "" {
		if err := put(FieldProperty, f.Property); err != nil {
			return nil, err
		}
	}
	if f.Properties != nil {
		if err := put(FieldProperties, f.Properties); err != nil {
			return nil, err
		}
	}
	if len(f.Value) > 0 {
		if !json.Valid(f.Value) {
			return nil, fmt.Errorf("%w: value is not valid json", ErrInvalidField)
		}
		out[FieldValue] = f.Value
	}
	if f.Status != "" {
		if err := put(FieldStatus, f.Status); err != nil {
			return nil, err
		}
	}
	if f.Server != "" {
		if err := put(FieldServer, f.Server); err != nil {
			return nil, err
		}
	}
	if f.Specialization != "" {
		if err := put(FieldSpecialization, f.Specialization); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object. A null or absent token decodes as zero.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: frame is null", ErrMalformedFrame)
	}

	var out Frame
	mt, ok := raw[FieldMType]
	if !ok || isNull(mt) {
		return ErrMissingMType
	}
	if err := json.Unmarshal(mt, &out.MType); err != nil || out.MType == "" {
		return ErrMissingMType
	}

	for key, v := range raw {
		var err error
		switch key {
		case FieldMType:
			continue
		case FieldToken:
			err = decodeToken(v, &out.Token)
		case FieldObject:
			err = decodeObject(v, &out.Object)
		case FieldProperty:
			err = decodeOptional(v, &out.Property)
		case FieldProperties:
			err = decodeOptional(v, &out.Properties)
		case FieldValue:
			out.Value = append(json.RawMessage(nil), v...)
		case FieldStatus:
			err = decodeOptional(v, &out.Status)
		case FieldServer:
			err = decodeOptional(v, &out.Server)
		case FieldSpecialization:
			err = decodeOptional(v, &out.Specialization)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = append(json.RawMessage(nil), v...)
		}
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrMalformedFrame, key, err)
		}
	}
	*f = out
	return nil
}

func decodeToken(raw json.RawMessage, dst *Token) error {
	if isNull(raw) {
		*dst = 0
		return nil
	}
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return ErrInvalidToken
	}
	*dst = Token(v)
	return nil
}

func decodeObject(raw json.RawMessage, dst **ObjectID) error {
	if isNull(raw) {
		*dst = nil
		return nil
	}
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return ErrInvalidObject
	}
	id := ObjectID(v)
	*dst = &id
	return nil
}

func decodeOptional(raw json.RawMessage, dst any) error {
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}
