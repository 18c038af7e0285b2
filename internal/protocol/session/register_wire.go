package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/castline/internal/protocol/frame"
	"github.com/danmuck/castline/internal/protocol/root"
	"github.com/danmuck/castline/internal/protocol/schema"
	"github.com/danmuck/castline/internal/protocol/tlv"
)

// Wire status values for register.result. They match the C ABI ordering of
// the registration status enum.
const (
	StatusRegistered                  uint8 = 0
	StatusNotSupported                uint8 = 1
	StatusBroadcastWriterSetupErrored uint8 = 2
	StatusServerErrored               uint8 = 3
)

// StatusName returns the snake_case label used in logs and metrics.
func StatusName(status uint8) string {
	switch status {
	case StatusRegistered:
		return "registered"
	case StatusNotSupported:
		return "not_supported"
	case StatusBroadcastWriterSetupErrored:
		return "broadcast_writer_setup_errored"
	case StatusServerErrored:
		return "server_errored"
	default:
		return fmt.Sprintf("unknown(%d)", status)
	}
}

// Result codes carried next to the status.
const (
	CodeOK             uint32 = 0
	CodeDisabled       uint32 = 1001
	CodePeerDenied     uint32 = 1002
	CodeRootTooLong    uint32 = 1003
	CodePoolExhausted  uint32 = 2001
	CodeWriterFailed   uint32 = 2002
	CodeInvalidRequest uint32 = 3001
	CodeInternal       uint32 = 3002
)

var (
	ErrInvalidRegister = errors.New("session: invalid register request")
	ErrInvalidResult   = errors.New("session: invalid register result")
)

// RegisterRequest is the client->server register payload.
type RegisterRequest struct {
	Root       root.Descriptor
	ClientPID  uint32
	ClientName string
}

// RegisterResult is the server->client register.result payload.
type RegisterResult struct {
	Status     uint8
	Code       uint32
	Message    string
	WriterID   string
	ChannelKey string
}

func (r RegisterResult) Validate() error {
	if r.Status > StatusServerErrored {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidResult, r.Status)
	}
	if r.Status == StatusRegistered && strings.TrimSpace(r.WriterID) == "" {
		return fmt.Errorf("%w: registered result missing writer_id", ErrInvalidResult)
	}
	return nil
}

func EncodeRegisterFrame(messageID uint64, req RegisterRequest) ([]byte, error) {
	fields := []tlv.Field{tlv.Bytes(schema.FieldRoot, req.Root.Pack())}
	if req.ClientPID != 0 {
		fields = append(fields, tlv.U32(schema.FieldClientPID, req.ClientPID))
	}
	if name := strings.TrimSpace(req.ClientName); name != "" {
		fields = append(fields, tlv.String(schema.FieldClientName, name))
	}
	return encode(messageID, schema.MsgRegister, 0, fields)
}

func DecodeRegisterFrame(fr frame.Frame) (RegisterRequest, error) {
	fields, err := decode(fr, schema.MsgRegister)
	if err != nil {
		return RegisterRequest{}, fmt.Errorf("%w: %v", ErrInvalidRegister, err)
	}
	var req RegisterRequest
	f, _ := tlv.GetField(fields, schema.FieldRoot)
	req.Root, err = root.Unpack(f.Value)
	if err != nil {
		return RegisterRequest{}, fmt.Errorf("%w: %v", ErrInvalidRegister, err)
	}
	if f, ok := tlv.GetField(fields, schema.FieldClientPID); ok {
		req.ClientPID, _ = f.AsU32()
	}
	if f, ok := tlv.GetField(fields, schema.FieldClientName); ok {
		req.ClientName, _ = f.AsString()
	}
	return req, nil
}

func EncodeResultFrame(messageID uint64, res RegisterResult) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.U8(schema.FieldStatus, res.Status),
		tlv.U32(schema.FieldCode, res.Code),
	}
	if res.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, res.Message))
	}
	if res.WriterID != "" {
		fields = append(fields, tlv.String(schema.FieldWriterID, res.WriterID))
	}
	if res.ChannelKey != "" {
		fields = append(fields, tlv.String(schema.FieldChannelKey, res.ChannelKey))
	}
	var flags uint32 = frame.FlagIsResponse
	if res.Status != StatusRegistered {
		flags |= frame.FlagIsError
	}
	return encode(messageID, schema.MsgRegisterResult, flags, fields)
}

func DecodeResultFrame(fr frame.Frame) (RegisterResult, error) {
	fields, err := decode(fr, schema.MsgRegisterResult)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if fr.Header.Flags&frame.FlagIsResponse == 0 {
		return RegisterResult{}, fmt.Errorf("%w: response flag not set", ErrInvalidResult)
	}
	var res RegisterResult
	f, _ := tlv.GetField(fields, schema.FieldStatus)
	if res.Status, err = f.AsU8(); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	f, _ = tlv.GetField(fields, schema.FieldCode)
	if res.Code, err = f.AsU32(); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if f, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		res.Message, _ = f.AsString()
	}
	if f, ok := tlv.GetField(fields, schema.FieldWriterID); ok {
		res.WriterID, _ = f.AsString()
	}
	if f, ok := tlv.GetField(fields, schema.FieldChannelKey); ok {
		res.ChannelKey, _ = f.AsString()
	}
	if err := res.Validate(); err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

func encode(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	payload, err := tlv.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	return frame.Encode(frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: payload,
	}, frame.DefaultLimits())
}

func decode(fr frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if fr.Header.MessageType != messageType {
		return nil, fmt.Errorf("unexpected message_type=%d", fr.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
