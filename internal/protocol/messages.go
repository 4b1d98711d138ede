package protocol

import "encoding/json"

func NewIdentify(server, specialization string) Frame {
	return Frame{MType: MTypeIdentify, Server: server, Specialization: specialization}
}

func NewGet(object ObjectID, property string) Frame {
	return Frame{MType: MTypeGet, Object: ObjectRef(object), Property: property}
}

func NewSet(object ObjectID, property string, value json.RawMessage) Frame {
	return Frame{MType: MTypeSet, Object: ObjectRef(object), Property: property, Value: value}
}

func NewSubscribe(object ObjectID, properties []string) Frame {
	return Frame{MType: MTypeSubscribe, Object: ObjectRef(object), Properties: copyNames(properties)}
}

func NewUnsubscribe(object ObjectID, properties []string) Frame {
	return Frame{MType: MTypeUnsubscribe, Object: ObjectRef(object), Properties: copyNames(properties)}
}

func NewUpdate(object ObjectID, property string, value json.RawMessage) Frame {
	return Frame{MType: MTypeUpdate, Object: ObjectRef(object), Property: property, Value: value}
}

// NewReply builds a reply. Extra fields are only the status-specific payload, such as value.
func NewReply(token Token, status Status, value json.RawMessage) Frame {
	return Frame{MType: MTypeReply, Token: token, Status: status, Value: value}
}

func copyNames(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
