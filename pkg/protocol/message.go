package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the command carried by a message frame.
// It is an int32 on the wire.
type MessageType int32

const (
	MsgGetCodeRequest  MessageType = 1 // Runtime → bridge: fetch a file
	MsgGetCodeResponse MessageType = 2 // Bridge → runtime: file bytes
	MsgLog             MessageType = 3 // Runtime → bridge: print output
	MsgError           MessageType = 4 // Runtime → bridge: script error
	MsgDevice          MessageType = 5 // Runtime → bridge: device info
	MsgEntryFile       MessageType = 6 // Bridge → runtime: launch entry file
	MsgUpdate          MessageType = 7 // Bridge → runtime: entry file bytes
	MsgReload          MessageType = 8 // Bridge → runtime: reload now
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MsgGetCodeRequest:
		return "GetCodeRequest"
	case MsgGetCodeResponse:
		return "GetCodeResponse"
	case MsgLog:
		return "Log"
	case MsgError:
		return "Error"
	case MsgDevice:
		return "Device"
	case MsgEntryFile:
		return "EntryFile"
	case MsgUpdate:
		return "Update"
	case MsgReload:
		return "Reload"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(mt))
	}
}

// Inbound reports whether runtimes send this type to the bridge.
func (mt MessageType) Inbound() bool {
	switch mt {
	case MsgGetCodeRequest, MsgLog, MsgError, MsgDevice:
		return true
	}
	return false
}

// Outbound reports whether the bridge sends this type to runtimes.
func (mt MessageType) Outbound() bool {
	switch mt {
	case MsgGetCodeResponse, MsgEntryFile, MsgUpdate, MsgReload:
		return true
	}
	return false
}

// Payload errors.
var (
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	ErrWireTypeMismatch = errors.New("protocol: wire type mismatch")
)

// Command is a typed command body that knows its message type.
type Command interface {
	Type() MessageType
	Marshal() []byte
}

// EncodeCommand marshals a command and wraps it in a message frame.
func EncodeCommand(c Command) ([]byte, error) {
	return EncodeMessage(c.Type(), c.Marshal())
}

// Field numbers of the command payloads.
const (
	fieldID         protowire.Number = 1
	fieldPath       protowire.Number = 2
	fieldCode       protowire.Number = 2
	fieldText       protowire.Number = 1
	fieldSourcePath protowire.Number = 2
	fieldName       protowire.Number = 1
	fieldModel      protowire.Number = 2
	fieldURL        protowire.Number = 1
	fieldRelative   protowire.Number = 2
	fieldData       protowire.Number = 3
	fieldSerial     protowire.Number = 1
)

// GetCodeRequest asks the bridge for the bytes of a file.
type GetCodeRequest struct {
	ID   int64
	Path string
}

func (*GetCodeRequest) Type() MessageType { return MsgGetCodeRequest }

func (m *GetCodeRequest) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldID, uint64(m.ID))
	b = appendString(b, fieldPath, m.Path)
	return b
}

// UnmarshalGetCodeRequest decodes a GetCodeRequest payload.
func UnmarshalGetCodeRequest(data []byte) (*GetCodeRequest, error) {
	m := &GetCodeRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldID:
			return int64Field(typ, b, &m.ID)
		case fieldPath:
			return stringField(typ, b, &m.Path)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetCodeResponse answers a GetCodeRequest. Found is false when the file does
// not exist; Code is then omitted from the wire.
type GetCodeResponse struct {
	ID    int64
	Code  []byte
	Found bool
}

func (*GetCodeResponse) Type() MessageType { return MsgGetCodeResponse }

func (m *GetCodeResponse) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldID, uint64(m.ID))
	if m.Found {
		b = protowire.AppendTag(b, fieldCode, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Code)
	}
	return b
}

// UnmarshalGetCodeResponse decodes a GetCodeResponse payload.
func UnmarshalGetCodeResponse(data []byte) (*GetCodeResponse, error) {
	m := &GetCodeResponse{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldID:
			return int64Field(typ, b, &m.ID)
		case fieldCode:
			m.Found = true
			return bytesField(typ, b, &m.Code)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LogCommand relays a line of runtime output.
type LogCommand struct {
	Text       string
	SourcePath string
}

func (*LogCommand) Type() MessageType { return MsgLog }

func (m *LogCommand) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldText, m.Text)
	b = appendString(b, fieldSourcePath, m.SourcePath)
	return b
}

// UnmarshalLogCommand decodes a LogCommand payload.
func UnmarshalLogCommand(data []byte) (*LogCommand, error) {
	m := &LogCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldText:
			return stringField(typ, b, &m.Text)
		case fieldSourcePath:
			return stringField(typ, b, &m.SourcePath)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ErrorCommand relays a runtime script error.
type ErrorCommand struct {
	Text       string
	SourcePath string
}

func (*ErrorCommand) Type() MessageType { return MsgError }

func (m *ErrorCommand) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldText, m.Text)
	b = appendString(b, fieldSourcePath, m.SourcePath)
	return b
}

// UnmarshalErrorCommand decodes an ErrorCommand payload.
func UnmarshalErrorCommand(data []byte) (*ErrorCommand, error) {
	m := &ErrorCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldText:
			return stringField(typ, b, &m.Text)
		case fieldSourcePath:
			return stringField(typ, b, &m.SourcePath)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeviceCommand describes the device a runtime is running on.
type DeviceCommand struct {
	Name  string
	Model string
}

func (*DeviceCommand) Type() MessageType { return MsgDevice }

func (m *DeviceCommand) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldName, m.Name)
	b = appendString(b, fieldModel, m.Model)
	return b
}

// UnmarshalDeviceCommand decodes a DeviceCommand payload.
func UnmarshalDeviceCommand(data []byte) (*DeviceCommand, error) {
	m := &DeviceCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldName:
			return stringField(typ, b, &m.Name)
		case fieldModel:
			return stringField(typ, b, &m.Model)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EntryFileCommand tells a runtime which file to launch.
type EntryFileCommand struct {
	URL          string // http://host:port/relative
	RelativePath string
}

func (*EntryFileCommand) Type() MessageType { return MsgEntryFile }

func (m *EntryFileCommand) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldURL, m.URL)
	b = appendString(b, fieldRelative, m.RelativePath)
	return b
}

// UnmarshalEntryFileCommand decodes an EntryFileCommand payload.
func UnmarshalEntryFileCommand(data []byte) (*EntryFileCommand, error) {
	m := &EntryFileCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldURL:
			return stringField(typ, b, &m.URL)
		case fieldRelative:
			return stringField(typ, b, &m.RelativePath)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateCommand pushes the current bytes of a file.
type UpdateCommand struct {
	URL          string
	RelativePath string
	Data         []byte
}

func (*UpdateCommand) Type() MessageType { return MsgUpdate }

func (m *UpdateCommand) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldURL, m.URL)
	b = appendString(b, fieldRelative, m.RelativePath)
	if m.Data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

// UnmarshalUpdateCommand decodes an UpdateCommand payload.
func UnmarshalUpdateCommand(data []byte) (*UpdateCommand, error) {
	m := &UpdateCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldURL:
			return stringField(typ, b, &m.URL)
		case fieldRelative:
			return stringField(typ, b, &m.RelativePath)
		case fieldData:
			return bytesField(typ, b, &m.Data)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ReloadCommand asks a runtime to reload. Serial is passed through untouched;
// runtimes may use it to deduplicate.
type ReloadCommand struct {
	Serial string
}

func (*ReloadCommand) Type() MessageType { return MsgReload }

func (m *ReloadCommand) Marshal() []byte {
	return appendString(nil, fieldSerial, m.Serial)
}

// UnmarshalReloadCommand decodes a ReloadCommand payload.
func UnmarshalReloadCommand(data []byte) (*ReloadCommand, error) {
	m := &ReloadCommand{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldSerial {
			return stringField(typ, b, &m.Serial)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// Wire helpers
// =============================================================================

// appendString appends a string field, omitting empty values as proto3 does.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendVarint appends a varint field, omitting zero.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields iterates the fields of a payload. visit returns the number of
// bytes it consumed for the field value, or 0 to have the field skipped.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := visit(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func stringField(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrWireTypeMismatch
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
	}
	if len(v) > MaxStringField {
		return 0, ErrFieldTooLarge
	}
	*dst = v
	return n, nil
}

func bytesField(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, ErrWireTypeMismatch
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	*dst = out
	return n, nil
}

func int64Field(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, ErrWireTypeMismatch
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
	}
	*dst = int64(v)
	return n, nil
}
