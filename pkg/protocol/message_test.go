package protocol

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestGetCodeRequestRoundTrip(t *testing.T) {
	in := &GetCodeRequest{ID: 7, Path: "foo/bar.lua"}
	out, err := UnmarshalGetCodeRequest(in.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalGetCodeRequest() error = %v", err)
	}
	if *out != *in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestGetCodeResponseFound(t *testing.T) {
	tests := []struct {
		name string
		in   GetCodeResponse
	}{
		{"found", GetCodeResponse{ID: 7, Code: bytes.Repeat([]byte{'x'}, 42), Found: true}},
		{"found_empty_file", GetCodeResponse{ID: 3, Code: []byte{}, Found: true}},
		{"absent", GetCodeResponse{ID: 9}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := UnmarshalGetCodeResponse(tc.in.Marshal())
			if err != nil {
				t.Fatalf("UnmarshalGetCodeResponse() error = %v", err)
			}
			if out.ID != tc.in.ID {
				t.Errorf("ID = %d, want %d", out.ID, tc.in.ID)
			}
			if out.Found != tc.in.Found {
				t.Errorf("Found = %v, want %v", out.Found, tc.in.Found)
			}
			if !bytes.Equal(out.Code, tc.in.Code) {
				t.Errorf("Code length = %d, want %d", len(out.Code), len(tc.in.Code))
			}
		})
	}
}

func TestTextCommands(t *testing.T) {
	log, err := UnmarshalLogCommand((&LogCommand{Text: "hello", SourcePath: "main.lua"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if log.Text != "hello" || log.SourcePath != "main.lua" {
		t.Errorf("log = %+v", log)
	}

	e, err := UnmarshalErrorCommand((&ErrorCommand{Text: "boom"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if e.Text != "boom" || e.SourcePath != "" {
		t.Errorf("error = %+v", e)
	}

	dev, err := UnmarshalDeviceCommand((&DeviceCommand{Name: "pixel", Model: "7a"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "pixel" || dev.Model != "7a" {
		t.Errorf("device = %+v", dev)
	}
}

func TestPushCommands(t *testing.T) {
	entry := &EntryFileCommand{URL: "http://10.0.0.2:8176/main.lua", RelativePath: "main.lua"}
	gotEntry, err := UnmarshalEntryFileCommand(entry.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if *gotEntry != *entry {
		t.Errorf("entry = %+v, want %+v", gotEntry, entry)
	}

	update := &UpdateCommand{URL: entry.URL, RelativePath: "main.lua", Data: []byte("print(1)")}
	gotUpdate, err := UnmarshalUpdateCommand(update.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if gotUpdate.URL != update.URL || gotUpdate.RelativePath != update.RelativePath || !bytes.Equal(gotUpdate.Data, update.Data) {
		t.Errorf("update = %+v, want %+v", gotUpdate, update)
	}

	reload, err := UnmarshalReloadCommand((&ReloadCommand{Serial: "0"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if reload.Serial != "0" {
		t.Errorf("reload serial = %q, want %q", reload.Serial, "0")
	}
}

func TestEncodeCommand(t *testing.T) {
	data, err := EncodeCommand(&ReloadCommand{Serial: "0"})
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != MsgReload {
		t.Errorf("type = %v, want Reload", f.Type)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	payload := (&GetCodeRequest{ID: 1, Path: "a.lua"}).Marshal()
	payload = protowire.AppendTag(payload, 15, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 99)
	payload = protowire.AppendTag(payload, 16, protowire.BytesType)
	payload = protowire.AppendString(payload, "ignored")

	req, err := UnmarshalGetCodeRequest(payload)
	if err != nil {
		t.Fatalf("UnmarshalGetCodeRequest() error = %v", err)
	}
	if req.ID != 1 || req.Path != "a.lua" {
		t.Errorf("req = %+v", req)
	}
}

func TestMalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"truncated_string", []byte{0x12, 0x05, 'a'}, ErrMalformedPayload},
		{"bad_tag", []byte{0x80}, ErrMalformedPayload},
		{"wire_type", []byte{0x10, 0x01}, ErrWireTypeMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalGetCodeRequest(tc.payload)
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMessageTypeDirection(t *testing.T) {
	inbound := []MessageType{MsgGetCodeRequest, MsgLog, MsgError, MsgDevice}
	outbound := []MessageType{MsgGetCodeResponse, MsgEntryFile, MsgUpdate, MsgReload}

	for _, mt := range inbound {
		if !mt.Inbound() || mt.Outbound() {
			t.Errorf("%v: Inbound=%v Outbound=%v", mt, mt.Inbound(), mt.Outbound())
		}
	}
	for _, mt := range outbound {
		if mt.Inbound() || !mt.Outbound() {
			t.Errorf("%v: Inbound=%v Outbound=%v", mt, mt.Inbound(), mt.Outbound())
		}
	}
	if MessageType(77).Inbound() || MessageType(77).Outbound() {
		t.Error("unknown type should be neither inbound nor outbound")
	}
	if got := MessageType(77).String(); got != "Unknown(77)" {
		t.Errorf("String() = %q", got)
	}
}
