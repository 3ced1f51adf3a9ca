package wmsync

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrUnknownObjType = errors.New("unknown obj type")
var ErrUnknownMsgType = errors.New("unknown msg type")

type MessageType string

const (
	MessageTypeUpdate MessageType = "UPDATE"
)

const (
	ObjTypeWorkflow             = "ResponseWorkflow"
	ObjTypeWorkflowState        = "ResponseWorkflowState"
	ObjTypeWorkflowEntity       = "ResponseWorkflowEntity"
	ObjTypeAttributeDescription = "ResponseAttributeDescription"
	ObjTypeAttribute            = "ResponseAttribute"
)

// what the push service forwards for each change
type deltaEnvelope struct {
	MsgType      MessageType     `json:"msgType"`
	RefType      RefType         `json:"refType"`
	BaseEntityId int             `json:"baseEntityId"`
	ClientId     Id              `json:"clientId"`
	UserId       Id              `json:"userId"`
	EventId      Id              `json:"eventId"`
	ObjType      string          `json:"objType"`
	Obj          json.RawMessage `json:"obj"`
}

// a decoded push change
// `Obj` is one of *Workflow, *WorkflowState, *WorkflowEntity, *AttributeDescription, *Attribute
// for an attribute, `RefType` is the kind of its owner
type Delta struct {
	MsgType      MessageType
	RefType      RefType
	BaseEntityId int
	ClientId     Id
	UserId       Id
	EventId      Id
	ObjType      string
	Obj          any
}

// objType -> new empty value to decode into
var deltaObjTypes = map[string]func() any{
	ObjTypeWorkflow:             func() any { return &Workflow{} },
	ObjTypeWorkflowState:        func() any { return &WorkflowState{} },
	ObjTypeWorkflowEntity:       func() any { return &WorkflowEntity{} },
	ObjTypeAttributeDescription: func() any { return &AttributeDescription{} },
	ObjTypeAttribute:            func() any { return &Attribute{} },
}

func DecodeDelta(message []byte) (*Delta, error) {
	var envelope deltaEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, errors.Wrap(err, "delta envelope")
	}
	if envelope.MsgType != MessageTypeUpdate {
		return nil, errors.Wrapf(ErrUnknownMsgType, "%q", envelope.MsgType)
	}
	if !envelope.RefType.Valid() {
		return nil, errors.Wrapf(ErrWrongKind, "delta ref type %q", envelope.RefType)
	}
	if envelope.ClientId.IsZero() {
		return nil, errors.New("delta missing client id")
	}
	newObj, ok := deltaObjTypes[envelope.ObjType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownObjType, "%q", envelope.ObjType)
	}
	if len(envelope.Obj) == 0 || bytes.Equal(envelope.Obj, []byte("null")) {
		return nil, errors.Errorf("delta %s missing obj", envelope.ObjType)
	}
	obj := newObj()
	if err := json.Unmarshal(envelope.Obj, obj); err != nil {
		return nil, errors.Wrapf(err, "delta %s", envelope.ObjType)
	}
	if err := validateModel(obj); err != nil {
		return nil, errors.Wrapf(err, "delta %s", envelope.ObjType)
	}
	return &Delta{
		MsgType:      envelope.MsgType,
		RefType:      envelope.RefType,
		BaseEntityId: envelope.BaseEntityId,
		ClientId:     envelope.ClientId,
		UserId:       envelope.UserId,
		EventId:      envelope.EventId,
		ObjType:      envelope.ObjType,
		Obj:          obj,
	}, nil
}

// the inverse of `DecodeDelta`
func EncodeDelta(delta *Delta) ([]byte, error) {
	obj, err := json.Marshal(delta.Obj)
	if err != nil {
		return nil, errors.Wrapf(err, "delta %s", delta.ObjType)
	}
	return json.Marshal(&deltaEnvelope{
		MsgType:      delta.MsgType,
		RefType:      delta.RefType,
		BaseEntityId: delta.BaseEntityId,
		ClientId:     delta.ClientId,
		UserId:       delta.UserId,
		EventId:      delta.EventId,
		ObjType:      delta.ObjType,
		Obj:          obj,
	})
}
