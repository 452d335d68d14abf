package wsbridge

import (
	"encoding/json"

	"wagate/internal/protocol"
)

// Frame types exchanged with the protocol sidecar.
//
// Sidecar -> gateway: qr, open, close, message, creds.update, keys.get,
// keys.set, ack, log.
// Gateway -> sidecar: hello, send, presence, logout, keys.result.
const (
	frameHello      = "hello"
	frameQR         = "qr"
	frameOpen       = "open"
	frameClose      = "close"
	frameMessage    = "message"
	frameCredsSave  = "creds.update"
	frameKeysGet    = "keys.get"
	frameKeysSet    = "keys.set"
	frameKeysResult = "keys.result"
	frameAck        = "ack"
	frameLog        = "log"
	frameSend       = "send"
	framePresence   = "presence"
	frameLogout     = "logout"
)

type Frame struct {
	Type string          `json:"type"`
	Req  string          `json:"req,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type helloData struct {
	Account  string                     `json:"account"`
	Identity map[string]json.RawMessage `json:"identity"`
}

type qrData struct {
	QR string `json:"qr"`
}

type closeData struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type keysGetData struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type keysResultData struct {
	Keys  map[string]json.RawMessage `json:"keys"`
	Error string                     `json:"error,omitempty"`
}

type keysSetData struct {
	Updates protocol.KeyUpdates `json:"updates"`
}

type credsData struct {
	Patch map[string]json.RawMessage `json:"patch"`
}

type sendData struct {
	To      string           `json:"to"`
	Payload protocol.Payload `json:"payload"`
}

type ackData struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type logData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

func encode(typ, req string, v any) (Frame, error) {
	f := Frame{Type: typ, Req: req}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Frame{}, err
		}
		f.Data = b
	}
	return f, nil
}
