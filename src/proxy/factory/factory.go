// Package factory holds test fixtures shared across packages.
package factory

import (
	"go.lsp.dev/jsonrpc2"
)

// JSONRPCCall is a user-defined factory for a JSON-RPC request containing the
// specified id, method and parameters.
func JSONRPCCall(id int32, method string, params interface{}) *jsonrpc2.Call {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(id), method, params)
	return req
}

// JSONRPCNotification is a user-defined factory for a JSON-RPC notification.
func JSONRPCNotification(method string, params interface{}) *jsonrpc2.Notification {
	note, _ := jsonrpc2.NewNotification(method, params)
	return note
}

// JSONRPCResponse is a user-defined factory for a successful JSON-RPC response.
func JSONRPCResponse(id int32, result interface{}) *jsonrpc2.Response {
	resp, _ := jsonrpc2.NewResponse(jsonrpc2.NewNumberID(id), result, nil)
	return resp
}
