package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livepush/internal/errors"
	"github.com/vango-dev/livepush/pkg/protocol"
)

func fetchCmd() *cobra.Command {
	var (
		output  string
		timeout time.Duration
		useHTTP bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <host:port> <path>",
		Short: "Fetch a script from a running bridge",
		Long: `Fetch a script from a running bridge the way a runtime does.

By default a GET_CODE_REQUEST is sent over the binary protocol.
With --http the file is requested with a plain HTTP GET on the
same port instead.

Examples:
  livepush fetch 192.168.1.20:8176 index.lua
  livepush fetch 192.168.1.20:8176 ui/menu.lua -o menu.lua
  livepush fetch 192.168.1.20:8176 index.lua --http`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var data []byte
			var err error
			if useHTTP {
				data, err = fetchHTTP(ctx, args[0], args[1])
			} else {
				data, err = fetchBinary(ctx, args[0], args[1])
			}
			if err != nil {
				return errors.FromError(err, errors.CodeFetchFailed).WithDetail(args[1])
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			success("Wrote %s (%d bytes)", output, len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Give up after this long")
	cmd.Flags().BoolVar(&useHTTP, "http", false, "Use the HTTP fallback instead of the binary protocol")

	return cmd
}

// fetchBinary requests path over the binary protocol. Onboarding frames the
// bridge pushes first are skipped.
func fetchBinary(ctx context.Context, addr, path string) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	const requestID = 1
	req := &protocol.GetCodeRequest{ID: requestID, Path: path}
	if err := protocol.WriteMessage(conn, req.Type(), req.Marshal()); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if frame.Kind != protocol.FrameMessage || frame.Type != protocol.MsgGetCodeResponse {
			continue
		}
		resp, err := protocol.UnmarshalGetCodeResponse(frame.Payload)
		if err != nil {
			return nil, err
		}
		if resp.ID != requestID {
			continue
		}
		if !resp.Found {
			return nil, fmt.Errorf("%s: not found", path)
		}
		return resp.Code, nil
	}
}

// fetchHTTP requests path with a plain GET.
func fetchHTTP(ctx context.Context, addr, path string) ([]byte, error) {
	url := "http://" + addr + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
