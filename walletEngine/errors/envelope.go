package errors

import (
	"errors"
)

// Surface identifies who receives an encoded error.
type Surface string

const (
	// SurfaceDapp is an untrusted web origin.
	SurfaceDapp Surface = "dapp"
	// SurfaceUI is the wallet's own interface.
	SurfaceUI Surface = "ui"
)

// Wire codes shared by JSON-RPC namespaces.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeResourceUnavail   = -32002
	CodeParseError        = -32700
)

// Envelope is the stable {code, message, data} error shape returned to callers.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Envelope) Error() string {
	return e.Message
}

// Diagnostics are attached by the pipeline error boundary.
type Diagnostics struct {
	Origin   string
	Method   string
	ChainRef string
}

var eip155Codes = map[Reason]int{
	ReasonUserRejected:           CodeUserRejected,
	ReasonApprovalRejected:       CodeUserRejected,
	ReasonApprovalExpired:        CodeUserRejected,
	ReasonSessionLocked:          CodeUnauthorized,
	ReasonVaultLocked:            CodeUnauthorized,
	ReasonPermissionDenied:       CodeUnauthorized,
	ReasonPermissionNotConnected: CodeUnauthorized,
	ReasonKeyringAccountNotFound: CodeUnauthorized,
	ReasonChainNotFound:          CodeUnrecognizedChain,
	ReasonChainNotSupported:      CodeUnrecognizedChain,
	ReasonChainNotCompatible:     CodeInvalidParams,
	ReasonRpcInvalidParams:       CodeInvalidParams,
	ReasonInvalidPrivateKey:      CodeInvalidParams,
	ReasonInvalidMnemonic:        CodeInvalidParams,
	ReasonIndexOutOfRange:        CodeInvalidParams,
	ReasonDuplicateAccount:       CodeInvalidParams,
	ReasonWeakPassword:           CodeInvalidParams,
	ReasonInvalidPassword:        CodeInvalidParams,
	ReasonTxDuplicateHash:        CodeInvalidParams,
	ReasonRpcInvalidRequest:      CodeInvalidRequest,
	ReasonRpcMethodNotFound:      CodeMethodNotFound,
	ReasonRpcUnavailable:         CodeDisconnected,
	ReasonNotInitialized:         CodeResourceUnavail,
}

// Per-namespace code tables. Namespaces without an entry use eip155 codes,
// which follow plain JSON-RPC 2.0 plus EIP-1193 provider errors.
var namespaceCodes = map[string]map[Reason]int{
	"eip155": eip155Codes,
}

// CodeFor returns the wire code of a reason in the given namespace.
func CodeFor(namespace string, reason Reason) int {
	table, ok := namespaceCodes[namespace]
	if !ok {
		table = eip155Codes
	}
	if code, ok := table[reason]; ok {
		return code
	}
	return CodeInternal
}

// Encode converts any error into an Envelope for the given namespace and
// surface. Dapp envelopes carry only caller-safe data; UI envelopes also carry
// the reason and the request diagnostics.
func Encode(err error, namespace string, surface Surface, diag Diagnostics) *Envelope {
	if err == nil {
		return nil
	}

	var env *Envelope
	if errors.As(err, &env) {
		return env
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		out := &Envelope{Code: CodeInternal, Message: "Internal error"}
		if surface == SurfaceUI {
			out.Message = err.Error()
			out.Data = uiData(ReasonRpcInternal, nil, diag)
		}
		return out
	}

	code := CodeFor(namespace, engineErr.Reason)
	out := &Envelope{Code: code, Message: engineErr.Message}

	if surface == SurfaceUI {
		out.Data = uiData(engineErr.Reason, engineErr.Data, diag)
		return out
	}

	// Internal failures never describe themselves to an untrusted origin.
	if code == CodeInternal {
		out.Message = "Internal error"
		return out
	}
	if len(engineErr.Data) > 0 {
		data := make(map[string]interface{}, len(engineErr.Data))
		for k, v := range engineErr.Data {
			data[k] = v
		}
		out.Data = data
	}
	return out
}

func uiData(reason Reason, data map[string]interface{}, diag Diagnostics) map[string]interface{} {
	out := map[string]interface{}{"reason": string(reason)}
	for k, v := range data {
		out[k] = v
	}
	if diag.Origin != "" {
		out["origin"] = diag.Origin
	}
	if diag.Method != "" {
		out["method"] = diag.Method
	}
	if diag.ChainRef != "" {
		out["chainRef"] = diag.ChainRef
	}
	return out
}
