// Package rpclink implements the symmetric, multiplexed RPC substrate
// from §4.1: a framed-JSON envelope exchanged over a full-duplex
// websocket, request/response correlation via a pending map keyed by
// req_id (grounded on creachadair/jrpc2's Client.pending pattern), and a
// Router shared by both the server and client side of a link.
package rpclink

// Envelope is the wire message exchanged over a Link. Every recognised
// field from §4.1 is represented; zero values are omitted on the wire.
type Envelope struct {
	Action  string                 `json:"action,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	ReqID   uint64                 `json:"req_id,omitempty"`
	RspID   uint64                 `json:"rsp_id,omitempty"`
	Posted  bool                   `json:"posted,omitempty"`
	Result  string                 `json:"result,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

const (
	resultSuccess = "success"
	resultError   = "error"
)

func (e Envelope) isResponse() bool {
	return e.RspID != 0
}

func successEnvelope(rspID uint64, payload map[string]interface{}) Envelope {
	return Envelope{RspID: rspID, Result: resultSuccess, Payload: payload}
}

func errorEnvelope(rspID uint64, reason string) Envelope {
	return Envelope{RspID: rspID, Result: resultError, Reason: reason}
}
