package bridge

import (
	stderrors "errors"

	"github.com/vango-dev/livepush/internal/provider"
	"github.com/vango-dev/livepush/pkg/protocol"
)

// dispatch handles one inbound message frame. Unknown and outbound-only types
// and undecodable payloads are logged and dropped; only a failed reply ends
// the connection.
func (c *Conn) dispatch(mt protocol.MessageType, payload []byte) error {
	s := c.server
	s.metrics.frameIn(mt)

	switch mt {
	case protocol.MsgGetCodeRequest:
		req, err := protocol.UnmarshalGetCodeRequest(payload)
		if err != nil {
			c.drop(mt, "malformed_payload", err)
			return nil
		}
		return c.answerGetCode(req)

	case protocol.MsgLog:
		cmd, err := protocol.UnmarshalLogCommand(payload)
		if err != nil {
			c.drop(mt, "malformed_payload", err)
			return nil
		}
		if cmd.Text != "" {
			s.emitLog(cmd.Text, cmd.SourcePath)
		}

	case protocol.MsgError:
		cmd, err := protocol.UnmarshalErrorCommand(payload)
		if err != nil {
			c.drop(mt, "malformed_payload", err)
			return nil
		}
		if cmd.Text != "" {
			s.emitError(cmd.Text, cmd.SourcePath)
		}

	case protocol.MsgDevice:
		cmd, err := protocol.UnmarshalDeviceCommand(payload)
		if err != nil {
			c.drop(mt, "malformed_payload", err)
			return nil
		}
		device := &Device{Name: cmd.Name, Model: cmd.Model}
		c.device.Store(device)
		c.logger.Info("device connected", "name", device.Name, "model", device.Model)
		s.emitDevice(c.Info())

	case protocol.MsgGetCodeResponse, protocol.MsgEntryFile, protocol.MsgUpdate, protocol.MsgReload:
		c.drop(mt, "outbound_only", nil)

	default:
		c.drop(mt, "unknown_type", nil)
	}
	return nil
}

// answerGetCode replies to a GET_CODE_REQUEST on this connection. The
// processing goroutine blocks on the fetch, so later frames from the same
// runtime wait for the response.
func (c *Conn) answerGetCode(req *protocol.GetCodeRequest) error {
	resp := &protocol.GetCodeResponse{ID: req.ID}
	if req.Path != "" {
		data, err := c.server.fetch(c.ctx, req.Path)
		switch {
		case err == nil:
			resp.Code = data
			resp.Found = true
		case provider.IsNotFound(err):
			c.logger.Debug("code not found", "id", req.ID, "path", req.Path)
		default:
			c.logger.Warn("fetch failed", "id", req.ID, "path", req.Path, "error", err)
		}
	}
	err := c.send(resp)
	if stderrors.Is(err, protocol.ErrFrameTooLarge) {
		c.logger.Warn("code does not fit a frame", "id", req.ID, "path", req.Path, "size", len(resp.Code))
		return c.send(&protocol.GetCodeResponse{ID: req.ID})
	}
	return err
}

func (c *Conn) drop(mt protocol.MessageType, reason string, err error) {
	c.server.metrics.protocolError(reason)
	if err != nil {
		c.logger.Warn("dropping frame", "type", mt.String(), "reason", reason, "error", err)
		return
	}
	c.logger.Warn("dropping frame", "type", mt.String(), "reason", reason)
}
