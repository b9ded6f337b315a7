// Package schemadiff implements Schema Diff (C5): comparing a decoded
// response body against the OpenAPI schema registered for its endpoint,
// and rendering any mismatch as a dotted path (spec §3 path syntax) plus a
// human-readable message.
//
// Grounded in the pack's OpenAPI-consuming repos (antflydb-antfly-go,
// kdex-tech-kdex-web, pavelpascari-typedhttp, pyneda-sukyan,
// yansol0-aperture, x22x22-Unla all depend on github.com/getkin/kin-openapi;
// yansol0-aperture's runner loads a *openapi3.T and walks its paths/
// operations/schemas the same way this package does) — reused directly per
// SPEC_FULL.md's DOMAIN STACK, since the teacher itself never deals with
// schema validation.
package schemadiff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Registry holds loaded OpenAPI documents keyed by the spec name configured
// on an EndpointConfig (spec §3 openapi_spec_name).
type Registry struct {
	mu   sync.RWMutex
	docs map[string]*openapi3.T
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]*openapi3.T)}
}

// Load parses and registers an OpenAPI document (JSON or YAML) under name,
// replacing any previously loaded document with the same name. It is the
// refresher's job to call this when the control plane ships new specs.
func (r *Registry) Load(name string, data []byte) error {
	doc, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		return fmt.Errorf("schemadiff: parse %q: %w", name, err)
	}
	r.mu.Lock()
	r.docs[name] = doc
	r.mu.Unlock()
	return nil
}

// Get returns the document registered under name, if any.
func (r *Registry) Get(name string) (*openapi3.T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	return doc, ok
}

// Check validates bodyValue (the decoded JSON tree, not yet walked by C3)
// against the schema registered for (specName, endpointPath, method,
// status)'s JSON response body. It returns nil if no schema is registered
// for this combination (nothing to compare against) or if the body
// conforms; otherwise a mapping from dotted path (rooted at prefix, which
// the Trace Pipeline guarantees starts with "resBody") to the list of
// human-readable messages describing the mismatch (spec §4.5).
func Check(registry *Registry, specName, endpointPath, method string, status int, bodyValue any, prefix string) map[string][]string {
	if registry == nil || specName == "" || endpointPath == "" {
		return nil
	}
	doc, ok := registry.Get(specName)
	if !ok {
		return nil
	}
	item := doc.Paths.Find(endpointPath)
	if item == nil {
		return nil
	}
	op := operationFor(item, method)
	if op == nil || op.Responses == nil {
		return nil
	}
	respRef := op.Responses.Value(strconv.Itoa(status))
	if respRef == nil {
		respRef = op.Responses.Default()
	}
	if respRef == nil || respRef.Value == nil {
		return nil
	}
	mediaType := respRef.Value.Content.Get("application/json")
	if mediaType == nil || mediaType.Schema == nil || mediaType.Schema.Value == nil {
		return nil
	}

	err := mediaType.Schema.Value.VisitJSON(bodyValue, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return renderErrors(err, prefix)
}

// operationFor returns the operation for method on item, or nil if none is
// defined. kin-openapi represents each HTTP verb as a dedicated exported
// field rather than a generic lookup, so the switch mirrors that shape.
func operationFor(item *openapi3.PathItem, method string) *openapi3.Operation {
	switch strings.ToUpper(method) {
	case "GET":
		return item.Get
	case "POST":
		return item.Post
	case "PUT":
		return item.Put
	case "DELETE":
		return item.Delete
	case "PATCH":
		return item.Patch
	case "HEAD":
		return item.Head
	case "OPTIONS":
		return item.Options
	case "TRACE":
		return item.Trace
	default:
		return nil
	}
}

// renderErrors flattens a VisitJSON error (a single *openapi3.SchemaError
// or an openapi3.MultiError of them) into path -> messages, using each
// error's JSON pointer to build the dotted path spec §3 defines, with
// numeric (array-index) pointer segments collapsed to the "[]" synthetic
// segment the Tree Walker also uses.
func renderErrors(err error, prefix string) map[string][]string {
	out := make(map[string][]string)

	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			addSchemaError(out, e, prefix)
		}
	} else {
		addSchemaError(out, err, prefix)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func addSchemaError(out map[string][]string, err error, prefix string) {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		path := dottedPath(prefix, se.JSONPointer())
		out[path] = append(out[path], se.Error())
		return
	}
	out[prefix] = append(out[prefix], err.Error())
}

// dottedPath renders a JSON pointer as a dotted path rooted at prefix,
// matching spec §3: object keys append ".key", array indices collapse to
// the single synthetic ".[]" segment.
func dottedPath(prefix string, pointer []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, seg := range pointer {
		if isArrayIndex(seg) {
			b.WriteString(".[]")
			continue
		}
		b.WriteByte('.')
		b.WriteString(seg)
	}
	return b.String()
}

func isArrayIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
