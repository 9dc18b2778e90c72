// Package protocol defines the identifiers and message shapes the relay
// understands. The backend speaks line-delimited JSON-RPC-shaped messages;
// the relay never interprets them beyond the minimal envelope scanned here.
//
// The client handshake is deliberately not JSON: the first WebSocket message
// on a relay connection is the shared secret, and every byte after that is
// opaque relay payload.
package protocol

import (
	"encoding/json"

	"github.com/rs/xid"
)

// SessionID identifies one client connection for its lifetime.
type SessionID string

// RequestID is the correlation token embedded in a request/response pair.
// Numeric and string ids are canonicalized to the same form, so `"id":7`
// and `"id":"7"` collide on purpose: the backend treats them as one id.
type RequestID string

// ResourceHandle is a backend-assigned identifier for an artifact created
// as a side effect of a client request.
type ResourceHandle string

// handleKeys are the result fields recognized as handle-shaped. A response
// whose result object carries one of these is treated as a creation ack.
var handleKeys = []string{"handle", "handleId", "contextId", "targetId", "guid"}

// ExtractRequestID parses the minimal {id, ...} envelope from a message.
// Only a top-level string or numeric id matches; null, bool, object and
// array ids are rejected, and nested id fields never match.
func ExtractRequestID(payload []byte) (RequestID, bool) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || len(env.ID) == 0 {
		return "", false
	}

	switch env.ID[0] {
	case '"':
		var s string
		if err := json.Unmarshal(env.ID, &s); err != nil || s == "" {
			return "", false
		}
		return RequestID(s), true
	case 'n', 't', 'f', '{', '[':
		return "", false
	default:
		var n json.Number
		if err := json.Unmarshal(env.ID, &n); err != nil {
			return "", false
		}
		return RequestID(n.String()), true
	}
}

// ExtractHandle reports the backend-assigned handle carried by a
// creation-shaped response: a result object containing a handle-shaped
// string field. Anything else yields no handle.
func ExtractHandle(payload []byte) (ResourceHandle, bool) {
	var env struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Result == nil {
		return "", false
	}
	for _, key := range handleKeys {
		raw, ok := env.Result[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return ResourceHandle(s), true
		}
	}
	return "", false
}

// ReleaseRequest builds the synthesized fire-and-forget request emitted on
// session teardown for each resource the session still owns. The id is
// freshly generated so the release never collides with a live client id.
func ReleaseRequest(handle ResourceHandle, method string) []byte {
	req := struct {
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params map[string]string `json:"params"`
	}{
		ID:     "rel-" + xid.New().String(),
		Method: method,
		Params: map[string]string{"handle": string(handle)},
	}
	data, _ := json.Marshal(req)
	return data
}
