package schema

import (
	"testing"

	"github.com/danmuck/castline/internal/protocol/tlv"
	"github.com/danmuck/castline/internal/testutil/testlog"
)

func TestValidateRegisterRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bytes(FieldRoot, nil),
		tlv.U32(FieldClientPID, 4242),
		tlv.String(FieldClientName, "castctl"),
	}
	if err := Validate(MsgRegister, fields); err != nil {
		t.Fatalf("validate register: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bytes(FieldRoot, []byte{0, 0, 0, 1}),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgRegister, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U8(FieldStatus, 0)}
	err := Validate(MsgRegisterResult, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldCode || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldStatus, 0),
		tlv.U32(FieldCode, 0),
		tlv.U32(FieldWriterID, 7),
	}
	err := Validate(MsgRegisterResult, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldWriterID || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}
