// Package graphql implements the GraphQL Preprocessor (C11): the only
// concrete behavior spec.md assigns it is "opaque GraphQlRes passed through
// verbatim" — this expansion gives it the de facto GraphQL-over-HTTP
// envelope (query/variables/operationName) used by virtually every GraphQL
// server, grounded on spec §4.11.
//
// No equivalent exists in the teacher; built in the same parse-or-nil,
// never-abort style as internal/decode.
package graphql

import (
	"encoding/json"
	"strings"

	"metlo-agent-core/internal/trace"
)

// Result is the opaque value attached to ProcessTraceRes.GraphQLData.
type Result struct {
	Query         string `json:"query,omitempty"`
	Variables     any    `json:"variables,omitempty"`
	OperationName string `json:"operationName,omitempty"`
}

// Extract dispatches on method: POST parses the request body as the
// GraphQL-over-HTTP JSON envelope; GET reads the same fields out of the
// decoded query string. Any other method, or a parse failure, yields nil —
// this never aborts the trace (spec §4.11).
func Extract(method, body string, queryParams []trace.KeyVal) *Result {
	switch strings.ToUpper(method) {
	case "POST":
		return fromBody(body)
	case "GET":
		return fromQuery(queryParams)
	default:
		return nil
	}
}

func fromBody(body string) *Result {
	if body == "" {
		return nil
	}
	var env struct {
		Query         string `json:"query"`
		Variables     any    `json:"variables"`
		OperationName string `json:"operationName"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil
	}
	if env.Query == "" && env.Variables == nil && env.OperationName == "" {
		return nil
	}
	return &Result{Query: env.Query, Variables: env.Variables, OperationName: env.OperationName}
}

func fromQuery(params []trace.KeyVal) *Result {
	query, _ := lookup(params, "query")
	variables, hasVariables := lookup(params, "variables")
	operationName, _ := lookup(params, "operationName")

	if query == "" && !hasVariables && operationName == "" {
		return nil
	}

	res := &Result{Query: query, OperationName: operationName}
	if hasVariables {
		var v any
		if err := json.Unmarshal([]byte(variables), &v); err == nil {
			res.Variables = v
		} else {
			res.Variables = variables
		}
	}
	return res
}

func lookup(params []trace.KeyVal, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
