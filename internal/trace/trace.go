// Package trace holds the wire data model shared by every stage of the
// trace processing pipeline: the captured request/response pair coming in
// off the ingress socket, the endpoint/authentication configuration the
// control plane pushes down, and the processed/encrypted record that goes
// out to the collector.
//
// Types here carry no behavior beyond small constructors and the set
// semantics required by the spec (an Option-wrapped collection is present
// iff it is non-empty) — everything else operates on them from the
// detector/decode/pipeline/envelope packages.
package trace

import (
	"encoding/json"
	"sort"
)

// KeyVal is an ordered (name, value) pair, used for headers and query
// parameters. Order matters for forwarding but not for analysis.
type KeyVal struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ApiUrl describes the request URL as captured by the collector.
type ApiUrl struct {
	Host       string   `json:"host"`
	Path       string   `json:"path"`
	Parameters []KeyVal `json:"parameters"`
}

// ApiRequest is the captured request half of a trace.
type ApiRequest struct {
	Method  string   `json:"method"`
	Url     ApiUrl   `json:"url"`
	Headers []KeyVal `json:"headers"`
	Body    string   `json:"body"`
}

// ApiResponse is the captured response half of a trace, if one was observed.
type ApiResponse struct {
	Status  int      `json:"status"`
	Headers []KeyVal `json:"headers"`
	Body    string   `json:"body"`
}

// Meta carries collector-supplied metadata. Source is the only field the
// core itself reads (session-identity fallback, §4.6); Extra passes
// anything else through untouched.
type Meta struct {
	Source string            `json:"source"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// ApiTrace is one captured HTTP request/response pair as delivered by a
// sidecar collector over the ingress socket.
type ApiTrace struct {
	Request  ApiRequest   `json:"request"`
	Response *ApiResponse `json:"response,omitempty"`
	Meta     *Meta        `json:"meta,omitempty"`
}

// StringSet is a small set of tag strings (data-type tags, sensitive-data
// tags). It marshals as a sorted JSON array so output is deterministic.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from the given items.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Add inserts v into the set.
func (s StringSet) Add(v string) { s[v] = struct{}{} }

// Union merges other into s.
func (s StringSet) Union(other StringSet) {
	for v := range other {
		s[v] = struct{}{}
	}
}

// Slice returns the set's members in sorted order.
func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders the set as a sorted array of strings.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return marshalStringSlice(s.Slice())
}

// SQLIMatch pairs a matched value with the opaque rule-class fingerprint
// that identified it (spec §1 Glossary, "Fingerprint (SQLi)").
type SQLIMatch struct {
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"`
}

// ProcessTraceRes is the output of the trace pipeline (C8) prior to
// forwarding: findings, data-type observations and validation errors keyed
// by dotted path, plus the raw content-type strings and any GraphQL result.
//
// Invariant I1: every path in XSSDetected/SQLIDetected/SensitiveDataDetected
// also has an entry in DataTypes. Invariant I2: Block is true iff
// XSSDetected or SQLIDetected is non-empty. Invariant I3: every map field
// is nil when empty — never a non-nil empty map — so JSON output omits it
// entirely via `omitempty`.
type ProcessTraceRes struct {
	Block                 bool                      `json:"block"`
	XSSDetected           map[string]string         `json:"xssDetected,omitempty"`
	SQLIDetected          map[string]SQLIMatch      `json:"sqliDetected,omitempty"`
	SensitiveDataDetected map[string]StringSet      `json:"sensitiveDataDetected,omitempty"`
	DataTypes             map[string]StringSet      `json:"dataTypes,omitempty"`
	ValidationErrors      map[string][]string       `json:"validationErrors,omitempty"`
	RequestContentType    string                    `json:"requestContentType"`
	ResponseContentType   string                    `json:"responseContentType"`
	GraphQLData           any                       `json:"graphQlData,omitempty"`
}

// NewProcessTraceRes returns a zero-value result with Block false and every
// map nil, ready for callers to populate via the insert helpers below.
func NewProcessTraceRes() *ProcessTraceRes {
	return &ProcessTraceRes{}
}

// InsertDataType records that path was observed with the given type tag,
// unioning into any existing set (spec §4.3 "set semantics").
func (r *ProcessTraceRes) InsertDataType(path, tag string) {
	if r.DataTypes == nil {
		r.DataTypes = make(map[string]StringSet)
	}
	s, ok := r.DataTypes[path]
	if !ok {
		s = NewStringSet()
		r.DataTypes[path] = s
	}
	s.Add(tag)
}

// InsertSensitiveData unions tags into the sensitive-data set for path.
func (r *ProcessTraceRes) InsertSensitiveData(path string, tags StringSet) {
	if len(tags) == 0 {
		return
	}
	if r.SensitiveDataDetected == nil {
		r.SensitiveDataDetected = make(map[string]StringSet)
	}
	s, ok := r.SensitiveDataDetected[path]
	if !ok {
		s = NewStringSet()
		r.SensitiveDataDetected[path] = s
	}
	s.Union(tags)
}

// SetXSS records an XSS finding at path and flips Block.
func (r *ProcessTraceRes) SetXSS(path, value string) {
	if r.XSSDetected == nil {
		r.XSSDetected = make(map[string]string)
	}
	r.XSSDetected[path] = value
	r.Block = true
}

// SetSQLI records a SQLi finding at path and flips Block.
func (r *ProcessTraceRes) SetSQLI(path, value, fingerprint string) {
	if r.SQLIDetected == nil {
		r.SQLIDetected = make(map[string]SQLIMatch)
	}
	r.SQLIDetected[path] = SQLIMatch{Value: value, Fingerprint: fingerprint}
	r.Block = true
}

// SetValidationErrors records Schema Diff output for path.
func (r *ProcessTraceRes) SetValidationErrors(path string, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	if r.ValidationErrors == nil {
		r.ValidationErrors = make(map[string][]string)
	}
	r.ValidationErrors[path] = append(r.ValidationErrors[path], msgs...)
}

// Merge combines other into r using last-write-wins per key (spec §4.8
// step 4 / §9: the combiner is a plain overwrite on key collision).
func (r *ProcessTraceRes) Merge(other *ProcessTraceRes) {
	if other == nil {
		return
	}
	r.Block = r.Block || other.Block
	for k, v := range other.XSSDetected {
		if r.XSSDetected == nil {
			r.XSSDetected = make(map[string]string)
		}
		r.XSSDetected[k] = v
	}
	for k, v := range other.SQLIDetected {
		if r.SQLIDetected == nil {
			r.SQLIDetected = make(map[string]SQLIMatch)
		}
		r.SQLIDetected[k] = v
	}
	for k, v := range other.SensitiveDataDetected {
		if r.SensitiveDataDetected == nil {
			r.SensitiveDataDetected = make(map[string]StringSet)
		}
		r.SensitiveDataDetected[k] = v
	}
	for k, v := range other.DataTypes {
		if r.DataTypes == nil {
			r.DataTypes = make(map[string]StringSet)
		}
		r.DataTypes[k] = v
	}
	for k, v := range other.ValidationErrors {
		if r.ValidationErrors == nil {
			r.ValidationErrors = make(map[string][]string)
		}
		r.ValidationErrors[k] = v
	}
	if other.GraphQLData != nil {
		r.GraphQLData = other.GraphQLData
	}
}

// EndpointConfig is one configured endpoint entry under a (host, method) key.
type EndpointConfig struct {
	Path                    string  `json:"path"`
	OpenAPISpecName         *string `json:"openApiSpecName,omitempty"`
	IsGraphQL               bool    `json:"isGraphQl"`
	FullTraceCaptureEnabled bool    `json:"fullTraceCaptureEnabled"`
}

// AuthType discriminates an AuthenticationConfig entry.
type AuthType string

// Recognized authentication descriptor kinds (spec §3).
const (
	AuthBasic         AuthType = "basic"
	AuthHeader        AuthType = "header"
	AuthSessionCookie AuthType = "session_cookie"
	AuthJWT           AuthType = "jwt"
)

// AuthenticationConfig is the per-host authentication descriptor used by
// Session Identity (C6).
type AuthenticationConfig struct {
	Host       string   `json:"host"`
	AuthType   AuthType `json:"authType"`
	HeaderKey  *string  `json:"headerKey,omitempty"`
	CookieName *string  `json:"cookieName,omitempty"`
}

// SessionMeta is the output of Session Identity (C6). AuthenticationProvided
// is a tri-state: nil means "none" (no descriptor for this host), otherwise
// it is false until a matching credential is found, then true.
type SessionMeta struct {
	AuthenticationProvided  *bool     `json:"authenticationProvided,omitempty"`
	AuthenticationSuccessful *bool    `json:"authenticationSuccessful,omitempty"`
	AuthType                *AuthType `json:"authType,omitempty"`
	UniqueSessionKey        *string   `json:"uniqueSessionKey,omitempty"`
}

// Encryption carries the RSA-OAEP-wrapped AES key and the per-field nonces
// recorded during Envelope Encryption (C7).
type Encryption struct {
	Key          string            `json:"key"`
	GeneratedIVs map[string]string `json:"generatedIvs"`
}

// ProcessedApiTrace is the forwarded record: the (possibly encrypted or
// redacted) trace plus the pipeline's findings and session identity.
type ProcessedApiTrace struct {
	Request             ApiRequest       `json:"request"`
	Response            *ApiResponse     `json:"response,omitempty"`
	Meta                *Meta            `json:"meta,omitempty"`
	Redacted            bool             `json:"redacted"`
	ProcessedTraceData  ProcessTraceRes  `json:"processedTraceData"`
	Encryption          *Encryption      `json:"encryption,omitempty"`
	SessionMeta         *SessionMeta     `json:"sessionMeta,omitempty"`
}

func marshalStringSlice(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}
