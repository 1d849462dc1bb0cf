package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/methods"
	"github.com/iosh/arx-sub004/walletEngine/pipeline"
)

const maxBodyBytes = 1 << 20

// rpcRequest is a JSON-RPC 2.0 request. ChainRef is an arx extension that
// targets a chain other than the namespace's active one.
type rpcRequest struct {
	JSONRPC  string          `json:"jsonrpc"`
	ID       json.RawMessage `json:"id,omitempty"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	ChainRef string          `json:"chainRef,omitempty"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id"`
	Result  any                 `json:"result,omitempty"`
	Error   *apperrors.Envelope `json:"error,omitempty"`
	Effects []methods.Effect    `json:"effects,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Ready: s.handler.Ready()}
	status := http.StatusOK
	if !resp.Ready {
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleDappRPC serves POST /rpc. The caller's identity is its Origin header.
func (s *Server) handleDappRPC(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, r.Header.Get("Origin"), apperrors.SurfaceDapp)
}

// handleUIRPC serves POST /ui, reachable from loopback only.
func (s *Server) handleUIRPC(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected non-local ui request")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.serveRPC(w, r, pipeline.InternalOrigin, apperrors.SurfaceUI)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, origin string, surface apperrors.Surface) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &apperrors.Envelope{
			Code: apperrors.CodeInvalidRequest, Message: "failed to read request body",
		}})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &apperrors.Envelope{
			Code: apperrors.CodeParseError, Message: "parse error",
		}})
		return
	}
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &apperrors.Envelope{
			Code: apperrors.CodeInvalidRequest, Message: "jsonrpc must be \"2.0\"",
		}})
		return
	}

	resp := s.handler.Handle(r.Context(), pipeline.Request{
		Origin:   origin,
		Method:   req.Method,
		Params:   req.Params,
		Surface:  surface,
		ChainRef: req.ChainRef,
	})
	out := rpcResponse{JSONRPC: "2.0", ID: id, Error: resp.Error}
	if resp.Error == nil {
		out.Result = resp.Result
		if out.Result == nil {
			out.Result = json.RawMessage("null")
		}
		if surface == apperrors.SurfaceUI {
			out.Effects = resp.Effects
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
