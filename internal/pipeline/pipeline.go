// Package pipeline implements the Trace Pipeline (C8): the orchestration
// step that runs the Body Decoder, Key/Val analyzer, GraphQL Preprocessor
// and Schema Diff over one trace and combines their output.
//
// Grounded on spec §4.8's five-step algorithm; no equivalent exists in the
// teacher as a single package, but the combine-then-return shape mirrors
// how the teacher's proxy handler threads one request through several
// independent stages (internal/anonymizer, then internal/management
// recording) before responding.
package pipeline

import (
	"encoding/json"
	"strings"

	"metlo-agent-core/internal/decode"
	"metlo-agent-core/internal/graphql"
	"metlo-agent-core/internal/schemadiff"
	"metlo-agent-core/internal/snapshot"
	"metlo-agent-core/internal/trace"
)

// Run executes spec §4.8's five steps for one trace against the given
// configuration snapshot and returns the combined ProcessTraceRes together
// with whether full trace capture is enabled for the matched endpoint
// (false if unmatched). snap and registry may be nil — a nil snap yields no
// endpoint match (spec §4.9 "no configuration" degraded mode); a nil
// registry simply disables Schema Diff.
func Run(tr *trace.ApiTrace, snap *snapshot.ConfigSnapshot, registry *schemadiff.Registry) (*trace.ProcessTraceRes, bool) {
	match := snap.FindEndpoint(tr.Request.Url.Host, tr.Request.Method, tr.Request.Url.Path)
	nonError := tr.Response != nil && tr.Response.Status < 400

	combined := trace.NewProcessTraceRes()

	combined.Merge(procReqBody(tr, match, nonError))
	combined.Merge(procReqParams(tr, match, nonError))
	combined.Merge(procReqHeaders(tr, nonError))
	combined.Merge(procGraphQL(tr, match))
	combined.Merge(procRespHeaders(tr))
	combined.Merge(procRespBody(tr, match, registry))

	combined.RequestContentType = headerValue(tr.Request.Headers, "Content-Type")
	if tr.Response != nil {
		combined.ResponseContentType = headerValue(tr.Response.Headers, "Content-Type")
	}

	return combined, match.FullTraceCaptureEnabled
}

// procReqBody: spec §4.8 step 3, reqBody. Only runs when the exchange is
// non-error, a body was captured, and the endpoint isn't GraphQL (GraphQL
// bodies are handled by procGraphQL instead).
func procReqBody(tr *trace.ApiTrace, match snapshot.EndpointMatch, nonError bool) *trace.ProcessTraceRes {
	if !nonError || tr.Request.Body == "" || match.IsGraphQL {
		return nil
	}
	res := trace.NewProcessTraceRes()
	decode.ProcessBody(tr.Request.Body, headerValue(tr.Request.Headers, "Content-Type"), "reqBody", res)
	return res
}

// procReqParams: spec §4.8 step 3, reqQuery.
func procReqParams(tr *trace.ApiTrace, match snapshot.EndpointMatch, nonError bool) *trace.ProcessTraceRes {
	if !nonError || match.IsGraphQL {
		return nil
	}
	res := trace.NewProcessTraceRes()
	decode.AnalyzeKeyVals(tr.Request.Url.Parameters, "reqQuery", res)
	return res
}

// procReqHeaders: spec §4.8 step 3, reqHeaders.
func procReqHeaders(tr *trace.ApiTrace, nonError bool) *trace.ProcessTraceRes {
	if !nonError {
		return nil
	}
	res := trace.NewProcessTraceRes()
	decode.AnalyzeKeyVals(tr.Request.Headers, "reqHeaders", res)
	return res
}

// procGraphQL: spec §4.8 step 3, GraphQL dispatch — POST uses the body
// handler, GET uses the query-param handler, any other method yields
// nothing.
func procGraphQL(tr *trace.ApiTrace, match snapshot.EndpointMatch) *trace.ProcessTraceRes {
	if !match.IsGraphQL {
		return nil
	}
	gql := graphql.Extract(tr.Request.Method, tr.Request.Body, tr.Request.Url.Parameters)
	if gql == nil {
		return nil
	}
	res := trace.NewProcessTraceRes()
	res.GraphQLData = gql
	return res
}

// procRespHeaders: spec §4.8 step 3, resHeaders — only runs when a response
// was captured (the no-response case is handled by procRespBody).
func procRespHeaders(tr *trace.ApiTrace) *trace.ProcessTraceRes {
	if tr.Response == nil {
		return nil
	}
	res := trace.NewProcessTraceRes()
	decode.AnalyzeKeyVals(tr.Response.Headers, "resHeaders", res)
	return res
}

// procRespBody: spec §4.8 step 3, resBody. Schema Diff runs for every
// resBody, including an absent response (empty body, text/plain) and a
// non-JSON body — the original ingestor calls find_open_api_diff from both
// process_json and process_text_plain, unconditionally on the "resBody"
// prefix, never gated on content type (spec §9 "implementers must not
// short-circuit when response is absent").
func procRespBody(tr *trace.ApiTrace, match snapshot.EndpointMatch, registry *schemadiff.Registry) *trace.ProcessTraceRes {
	res := trace.NewProcessTraceRes()
	if tr.Response == nil {
		decode.AnalyzeText("", "resBody", res)
		checkSchema(res, registry, match, tr.Request.Method, 0, "")
		return res
	}

	contentType := headerValue(tr.Response.Headers, "Content-Type")
	decode.ProcessBody(tr.Response.Body, contentType, "resBody", res)

	var bodyValue any = tr.Response.Body
	if decode.EssenceOf(contentType) == "application/json" {
		var value any
		if err := json.Unmarshal([]byte(tr.Response.Body), &value); err == nil {
			bodyValue = value
		}
	}
	checkSchema(res, registry, match, tr.Request.Method, tr.Response.Status, bodyValue)
	return res
}

// checkSchema runs Schema Diff against bodyValue when the matched endpoint
// names an OpenAPI spec, recording any mismatches under resBody.
func checkSchema(res *trace.ProcessTraceRes, registry *schemadiff.Registry, match snapshot.EndpointMatch, method string, status int, bodyValue any) {
	if !match.Matched || match.OpenAPISpecName == "" {
		return
	}
	if msgs := schemadiff.Check(registry, match.OpenAPISpecName, match.Path, method, status, bodyValue, "resBody"); msgs != nil {
		for path, m := range msgs {
			res.SetValidationErrors(path, m)
		}
	}
}

// headerValue returns the first header matching name case-insensitively,
// or "" if absent — get_content_type's lookup is case-insensitive even
// though the stored value is the raw header string (spec §4.8 step 4,
// supplemented from the original ingestor's get_content_type).
func headerValue(headers []trace.KeyVal, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
