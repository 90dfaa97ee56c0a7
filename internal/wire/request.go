package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrEmptyRequest = errors.New("request has no command")

// Request is what the client sends: where it was invoked and what it typed.
// Argv[0] is the command name.
type Request struct {
	Dir  string   `json:"pwd"`
	Argv []string `json:"argv"`
}

func (r Request) Command() string {
	if len(r.Argv) == 0 {
		return ""
	}
	return r.Argv[0]
}

func (r Request) Args() []string {
	if len(r.Argv) < 2 {
		return nil
	}
	return r.Argv[1:]
}

func WriteRequest(w io.Writer, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return WriteFrame(w, payload)
}

func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}
	if len(req.Argv) == 0 || strings.TrimSpace(req.Argv[0]) == "" {
		return Request{}, ErrEmptyRequest
	}
	return req, nil
}
