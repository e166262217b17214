package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response body.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, &Response{JSONRPC: "2.0", ID: nullID(id), Result: result})
}

// writeError writes e with the HTTP status its code maps to.
func writeError(w http.ResponseWriter, id json.RawMessage, e *rpcerr.Error) {
	writeJSON(w, rpcerr.HTTPStatus(e.Code), &Response{
		JSONRPC: "2.0",
		ID:      nullID(id),
		Error:   &ErrorObject{Code: e.Code, Message: e.Message, Data: e.Data},
	})
}
