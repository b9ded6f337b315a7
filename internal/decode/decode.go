// Package decode implements the body decoder (C2) and tree walker (C3): it
// turns a captured body into a generic value tree keyed by content type,
// then walks that tree emitting data-type observations and detector
// findings under a caller-supplied dotted-path prefix.
//
// Grounded on the original ingestor's process_trace.rs: process_body's MIME
// dispatch, process_json_val's node-capped recursive walk, and
// process_form_data/process_url_encoded's flattening into a JSON-shaped
// object before the same walk runs over them.
package decode

import (
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"metlo-agent-core/internal/detector"
	"metlo-agent-core/internal/trace"
)

// maxVisitedNodes is the Tree Walker's hard ceiling on the entire body's
// tree, not per key.
const maxVisitedNodes = 500

// EssenceOf strips parameters off a Content-Type header value and
// lower-cases it, e.g. "Application/JSON; charset=utf-8" -> "application/json".
// An empty or unparseable value yields "" — callers treat that as unknown,
// which falls through to text/plain per §4.2.
func EssenceOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	essence, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(essence)
}

// boundaryOf extracts the multipart boundary parameter from a Content-Type
// header value, if present.
func boundaryOf(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["boundary"]
}

// ProcessBody decodes body according to the MIME essence of contentType and
// walks the resulting tree (or, for text/plain, runs the Detector directly
// on the whole body), writing findings into res under prefix.
//
// Malformed JSON, malformed multipart, and unparseable query strings are
// ParseFailures: they are silently absorbed here and contribute no findings
// — the pipeline always continues. Nothing is logged for them: this package
// has no logger, and ProcessBody returns no error a caller could log.
func ProcessBody(body, contentType, prefix string, res *trace.ProcessTraceRes) {
	essence := EssenceOf(contentType)
	switch essence {
	case "application/json":
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return
		}
		visited := 0
		walk(v, prefix, res, &visited)
	case "multipart/form-data":
		obj := parseMultipart(body, boundaryOf(contentType))
		if obj == nil {
			return
		}
		visited := 0
		walk(obj, prefix, res, &visited)
	case "application/x-www-form-urlencoded":
		obj := parseURLEncoded(body)
		visited := 0
		walk(obj, prefix, res, &visited)
	default:
		AnalyzeText(body, prefix, res)
	}
}

// AnalyzeText applies the Detector directly to s under prefix, recording
// data_types[prefix] = {"string"}. Used for text/plain and as the fallback
// for unknown/missing content types (§4.2).
func AnalyzeText(s, prefix string, res *trace.ProcessTraceRes) {
	res.InsertDataType(prefix, "string")
	applyDetectors(s, prefix, res)
}

// parseMultipart builds a flat field-name -> first-value object from a
// multipart/form-data body. File parts are read as a body preview only (no
// on-disk ingestion); a part that fails to read is skipped, not fatal.
func parseMultipart(body, boundary string) map[string]any {
	if boundary == "" {
		return nil
	}
	mr := multipart.NewReader(strings.NewReader(body), boundary)
	obj := make(map[string]any)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		if _, exists := obj[name]; exists {
			continue
		}
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, rerr := part.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if rerr != nil {
				break
			}
			if len(buf) > 1<<20 {
				break
			}
		}
		obj[name] = string(buf)
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}

// parseURLEncoded flattens an application/x-www-form-urlencoded body into a
// flat object. Repeated keys keep their first value, matching multipart's
// "first read" rule.
func parseURLEncoded(body string) map[string]any {
	values, err := url.ParseQuery(body)
	obj := make(map[string]any)
	if err != nil {
		return obj
	}
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		obj[k] = vs[0]
	}
	return obj
}

// walk traverses a decoded JSON-shaped value tree, writing data-type
// observations and detector findings into res under path. It stops silently
// once *visited reaches maxVisitedNodes (§4.3) and always restores its
// caller's path on return (the path is rebuilt per-call, never mutated
// shared state, so no explicit restore is needed here).
func walk(v any, path string, res *trace.ProcessTraceRes, visited *int) {
	if *visited >= maxVisitedNodes {
		return
	}
	*visited++

	switch t := v.(type) {
	case nil:
		res.InsertDataType(path, "null")
	case bool:
		res.InsertDataType(path, "boolean")
	case float64:
		res.InsertDataType(path, "number")
	case string:
		res.InsertDataType(path, "string")
		applyDetectors(t, path, res)
	case []any:
		arrPath := path + ".[]"
		for _, item := range t {
			if *visited >= maxVisitedNodes {
				return
			}
			walk(item, arrPath, res, visited)
		}
	case map[string]any:
		for k, item := range t {
			if *visited >= maxVisitedNodes {
				return
			}
			walk(item, path+"."+k, res, visited)
		}
	}
}

// applyDetectors runs XSS, SQLi and sensitive-data detection on a string
// leaf and records any findings at path.
func applyDetectors(s, path string, res *trace.ProcessTraceRes) {
	if detector.XSS(s) {
		res.SetXSS(path, s)
	}
	if ok, fp := detector.SQLi(s); ok {
		res.SetSQLI(path, s, fp)
	}
	res.InsertSensitiveData(path, detector.DetectSensitiveData(s))
}

// AnalyzeKeyVals is the Key/Val analyzer used for headers and query
// parameters (§4.8): for each pair it records data_types["{prefix}.{name}"]
// = {"string"} and runs the Detector on the value, attaching findings at the
// same path.
func AnalyzeKeyVals(kvs []trace.KeyVal, prefix string, res *trace.ProcessTraceRes) {
	for _, kv := range kvs {
		path := prefix + "." + kv.Name
		res.InsertDataType(path, "string")
		applyDetectors(kv.Value, path, res)
	}
}
