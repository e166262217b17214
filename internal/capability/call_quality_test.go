package capability

import (
	"encoding/json"
	"testing"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

// Agents get tool calls wrong in four ways:
//
//   VALID_CALL        name, parameter names and values are all correct
//   TOOL_ERROR        the capability does not exist
//   PARAM_NAME_ERROR  right capability, required parameter missing or misnamed
//   PARAM_VALUE_ERROR right names, values of the wrong type or outside the domain
//
// Validate must accept the first class and reject the other three with the
// code the gateway returns to the agent.

type qualityCase struct {
	name string
	op   string
	args string
}

func runQuality(t *testing.T, cases []qualityCase, wantCode int) {
	t.Helper()
	r := MustLoad()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.args), &args); err != nil {
				t.Fatalf("bad test args: %v", err)
			}
			err := r.Validate(tc.op, args)
			if wantCode == 0 {
				if err != nil {
					t.Fatalf("VALID_CALL rejected: %v", err)
				}
				return
			}
			rerr, ok := rpcerr.As(err)
			if !ok {
				t.Fatalf("expected rpc error %d, got %v", wantCode, err)
			}
			if rerr.Code != wantCode {
				t.Errorf("code = %d, want %d (%s)", rerr.Code, wantCode, rerr.Message)
			}
		})
	}
}

func TestCallQuality_ValidCall(t *testing.T) {
	runQuality(t, []qualityCase{
		{"memory write object", "memory_write", `{"key":"prefs/theme","value":{"dark":true}}`},
		{"memory write null value", "memory_write", `{"key":"prefs/theme","value":null}`},
		{"rate like", "rate_item", `{"item_id":"r_123","kind":"resource","rating":"like"}`},
		{"connect with removal", "connect_secrets", `{"resource_id":"r_1","secrets":{"API_KEY":"k","OLD":null}}`},
		{"page publish", "page_publish", `{"slug":"release-notes","content":"# Notes","visibility":"unlisted"}`},
		{"call logs bounded", "view_call_logs", `{"limit":500}`},
	}, 0)
}

func TestCallQuality_ToolError(t *testing.T) {
	runQuality(t, []qualityCase{
		{"typo", "memory_writ", `{"key":"a","value":1}`},
		{"protocol method as capability", "tools/call", `{}`},
		{"plausible but absent", "delete_resource", `{"resource_id":"r_1"}`},
		{"wrong case", "Publish", `{}`},
	}, rpcerr.CodeNotFound)
}

func TestCallQuality_ParamNameError(t *testing.T) {
	runQuality(t, []qualityCase{
		{"key misnamed", "memory_write", `{"name":"prefs","value":1}`},
		{"id misnamed", "rate_item", `{"id":"r_1","rating":"like"}`},
		{"secrets missing", "connect_secrets", `{"resource_id":"r_1"}`},
		{"content misnamed", "page_publish", `{"slug":"notes","body":"# Notes"}`},
	}, rpcerr.CodeInvalidParams)
}

func TestCallQuality_ParamValueError(t *testing.T) {
	runQuality(t, []qualityCase{
		{"rating outside enum", "rate_item", `{"item_id":"r_1","rating":"love"}`},
		{"empty key", "memory_read", `{"key":""}`},
		{"slug with spaces", "page_publish", `{"slug":"Release Notes","content":"x"}`},
		{"secret value not a string", "connect_secrets", `{"resource_id":"r_1","secrets":{"API_KEY":42}}`},
		{"limit above maximum", "view_call_logs", `{"limit":501}`},
		{"limit as string", "memory_query", `{"limit":"ten"}`},
	}, rpcerr.CodeInvalidParams)
}
