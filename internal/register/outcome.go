package register

import (
	"fmt"
	"os"

	"github.com/danmuck/castline/internal/protocol/session"
)

// Status is the registration outcome tag.
type Status uint8

const (
	Registered                  = Status(session.StatusRegistered)
	NotSupported                = Status(session.StatusNotSupported)
	BroadcastWriterSetupErrored = Status(session.StatusBroadcastWriterSetupErrored)
	ServerErrored               = Status(session.StatusServerErrored)
)

func (s Status) String() string {
	switch s {
	case Registered:
		return "Registered"
	case NotSupported:
		return "NotSupported"
	case BroadcastWriterSetupErrored:
		return "BroadcastWriterSetupErrored"
	case ServerErrored:
		return "ServerErrored"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// SentinelFD fills Response.FD for every outcome other than Registered.
const SentinelFD int32 = -1

// Response is the raw status/descriptor pair.
type Response struct {
	Status Status
	FD     int32
}

// Outcome is the result of one registration. A Channel is present only when
// the status is Registered.
type Outcome struct {
	status  Status
	channel *Channel
	code    uint32
	message string
	err     error
}

// Status reports ServerErrored for an Outcome that was never produced by a
// registration, such as the zero value.
func (o Outcome) Status() Status {
	if o.status == Registered && o.channel == nil {
		return ServerErrored
	}
	return o.status
}

// Channel returns the owned channel and true only for Registered.
func (o Outcome) Channel() (*Channel, bool) {
	if o.status != Registered || o.channel == nil {
		return nil, false
	}
	return o.channel, true
}

// Code is the server result code, zero when no result was received.
func (o Outcome) Code() uint32 {
	return o.code
}

func (o Outcome) Message() string {
	return o.message
}

// Err describes why the outcome is not Registered. It is nil for Registered.
func (o Outcome) Err() error {
	if o.err == nil && o.status == Registered && o.channel == nil {
		return ErrNoOutcome
	}
	return o.err
}

// Response lowers the outcome to its status/descriptor pair. The descriptor
// still belongs to the Channel; it is released by Channel.Close.
func (o Outcome) Response() Response {
	ch, ok := o.Channel()
	if !ok {
		return Response{Status: o.Status(), FD: SentinelFD}
	}
	return Response{Status: Registered, FD: int32(ch.Fd())}
}

// ResultError is the cause attached to a non-Registered result sent by the server.
type ResultError struct {
	Status  Status
	Code    uint32
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("register: %s code=%d", e.Status, e.Code)
	}
	return fmt.Sprintf("register: %s code=%d: %s", e.Status, e.Code, e.Message)
}

// Channel is a writable broadcast channel owned by the caller.
type Channel struct {
	file       *os.File
	writerID   string
	channelKey string
}

func (c *Channel) WriterID() string {
	return c.writerID
}

// ChannelKey is shared by every registration made with the same root.
func (c *Channel) ChannelKey() string {
	return c.channelKey
}

// File exposes the descriptor, e.g. for exec.Cmd.ExtraFiles.
func (c *Channel) File() *os.File {
	return c.file
}

// Fd returns the descriptor number, or -1 once closed.
func (c *Channel) Fd() int {
	return int(c.file.Fd())
}

func (c *Channel) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

// Close releases the descriptor. A second Close returns an error matching os.ErrClosed.
func (c *Channel) Close() error {
	return c.file.Close()
}

func serverErrored(err error) Outcome {
	return Outcome{status: ServerErrored, err: err}
}
