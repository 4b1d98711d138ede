package protocol

import "fmt"

// ValidationError reports a frame that lacks a field its message type requires.
type ValidationError struct {
	MType  MType
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: mtype=%s: %s", e.MType, e.Reason)
	}
	return fmt.Sprintf("protocol: mtype=%s field=%s: %s", e.MType, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidField
}

// Token is not required for subscribe and unsubscribe: either may be sent
// one-way, in which case the receiver suppresses its reply.
var requirements = map[MType][]string{
	MTypeIdentify:    {FieldServer, FieldSpecialization},
	MTypeGet:         {FieldToken, FieldObject, FieldProperty},
	MTypeSet:         {FieldToken, FieldObject, FieldProperty, FieldValue},
	MTypeSubscribe:   {FieldObject, FieldProperties},
	MTypeUnsubscribe: {FieldObject, FieldProperties},
	MTypeUpdate:      {FieldObject, FieldProperty, FieldValue},
	MTypeReply:       {FieldToken, FieldStatus},
}

// Known reports whether mt is one of the core message types.
func Known(mt MType) bool {
	_, ok := requirements[mt]
	return ok
}

// Validate checks f against the field requirements of its message type.
// Extension message types carry no requirements.
func Validate(f Frame) error {
	if f.MType == "" {
		return ErrMissingMType
	}
	for _, field := range requirements[f.MType] {
		if !f.has(field) {
			return ValidationError{MType: f.MType, Field: field, Reason: "missing required field"}
		}
	}
	for _, name := range f.Properties {
		if name == "" {
			return ValidationError{MType: f.MType, Field: FieldProperties, Reason: "empty property name"}
		}
	}
	return nil
}

func (f Frame) has(field string) bool {
	switch field {
	case FieldToken:
		return f.Token != 0
	case FieldObject:
		return f.Object != nil
	case FieldProperty:
		return f.Property != ""
	case FieldProperties:
		return f.Properties != nil
	case FieldValue:
		return len(f.Value) > 0
	case FieldStatus:
		return f.Status != ""
	case FieldServer:
		return f.Server != ""
	case FieldSpecialization:
		return f.Specialization != ""
	default:
		_, ok := f.Extra[field]
		return ok
	}
}
