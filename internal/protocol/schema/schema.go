package schema

import (
	"fmt"

	"github.com/danmuck/castline/internal/protocol/tlv"
)

// Message type IDs from tlv contract.
const (
	MsgRegister       uint32 = 1
	MsgRegisterResult uint32 = 2
)

// Field IDs from tlv contract.
const (
	FieldRoot       uint16 = 1
	FieldClientPID  uint16 = 2
	FieldClientName uint16 = 3

	FieldStatus     uint16 = 100
	FieldCode       uint16 = 101
	FieldMessage    uint16 = 102
	FieldWriterID   uint16 = 103
	FieldChannelKey uint16 = 104
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Optional bool
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRegister: {
		{ID: FieldRoot, Type: tlv.TypeBytes},
		{ID: FieldClientPID, Type: tlv.TypeU32, Optional: true},
		{ID: FieldClientName, Type: tlv.TypeString, Optional: true},
	},
	MsgRegisterResult: {
		{ID: FieldStatus, Type: tlv.TypeU8},
		{ID: FieldCode, Type: tlv.TypeU32},
		{ID: FieldMessage, Type: tlv.TypeString, Optional: true},
		{ID: FieldWriterID, Type: tlv.TypeString, Optional: true},
		{ID: FieldChannelKey, Type: tlv.TypeString, Optional: true},
	},
}

// Validate enforces required fields and field types for a message type.
// Optional fields are type-checked when present. Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			if req.Optional {
				continue
			}
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
