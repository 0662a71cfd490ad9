// Package solana is the thin JSON-RPC transport to a Solana-family cluster:
// it knows how to marshal a method call, post it, and unmarshal a result or
// translate a transport/node failure into an apperrors.Kind. It owns no
// domain state (blockhash caching, fee floors, account derivation); that
// orchestration lives in pkg/ledger, which holds one RPCClient and calls it
// by method name the way the cluster's own RPC API names them
// (getLatestBlockhash, getRecentPrioritizationFees, simulateTransaction,
// sendTransaction, getSignatureStatuses, getAccountInfo).
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
)

// RPCClient posts JSON-RPC 2.0 requests to a single cluster endpoint.
type RPCClient struct {
	httpClient *http.Client
	url        string
}

// NewRPCClient constructs an RPCClient against the given endpoint using the
// provided http.Client (its timeout and transport are the caller's concern).
func NewRPCClient(url string, httpClient *http.Client) *RPCClient {
	return &RPCClient{httpClient: httpClient, url: url}
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErr         `json:"error"`
}

// Call invokes method with params and decodes the result into out (nil to
// discard it). Transport failures and 5xx responses are classified as
// retryable RPC-unavailable errors; a well-formed RPC error object from the
// node is also retryable, since the caller's own retry/backoff policy (not
// this package) decides whether to give up.
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return apperrors.New(apperrors.KindInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Retryable(apperrors.KindRPCUnavailable, fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperrors.Retryable(apperrors.KindRPCUnavailable, fmt.Errorf("%s: node returned %d", method, resp.StatusCode))
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return apperrors.Retryable(apperrors.KindRPCUnavailable, fmt.Errorf("%s: decode response: %w", method, err))
	}
	if rpcResp.Error != nil {
		return apperrors.Retryable(apperrors.KindRPCUnavailable, fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return apperrors.Retryable(apperrors.KindRPCUnavailable, fmt.Errorf("%s: unmarshal result: %w", method, err))
		}
	}
	return nil
}
