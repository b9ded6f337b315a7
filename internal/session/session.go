// Package session implements Session Identity (C6): deriving a per-session
// HMAC key from the trace's authentication credentials, and reporting
// whether an authentication descriptor was configured and satisfied.
//
// Grounded on the original ingestor's session-identity logic (described in
// spec §4.6); no equivalent exists in the teacher, so this is built fresh
// in the teacher's error-tolerant, never-panic style used throughout
// internal/decode and internal/detector.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"metlo-agent-core/internal/trace"
)

// authPrefix is the literal substring Basic-auth material is split on. Per
// spec §4.6 the split is case-sensitive and the captured material includes
// the leading space before the token — this is a deliberate quirk, not a
// bug (spec §9).
const authPrefix = "Basic"

// Compute derives the SessionMeta for one trace. descriptor is the
// authentication configuration registered for the request's host, or nil
// if none is configured. hmacKey is the process config's HMAC key material;
// a nil/empty key disables session-key derivation entirely.
//
// Returns nil when there is nothing to report: no descriptor and no
// fallback material (spec §4.6's "none" tri-state is the zero value of the
// tri-state, i.e. the absence of a SessionMeta on the processed trace).
func Compute(tr *trace.ApiTrace, descriptor *trace.AuthenticationConfig, hmacKey []byte) *trace.SessionMeta {
	if descriptor != nil {
		return computeFromDescriptor(tr, descriptor, hmacKey)
	}
	if len(hmacKey) > 0 && tr.Meta != nil && tr.Meta.Source != "" {
		key := hmacBase64(hmacKey, tr.Meta.Source)
		return &trace.SessionMeta{UniqueSessionKey: &key}
	}
	return nil
}

func computeFromDescriptor(tr *trace.ApiTrace, descriptor *trace.AuthenticationConfig, hmacKey []byte) *trace.SessionMeta {
	material, found := extractMaterial(tr, descriptor)

	provided := found
	authType := descriptor.AuthType
	meta := &trace.SessionMeta{
		AuthenticationProvided: &provided,
		AuthType:               &authType,
	}

	if tr.Response != nil {
		ok := tr.Response.Status != 401 && tr.Response.Status != 403
		meta.AuthenticationSuccessful = &ok
	} else {
		f := false
		meta.AuthenticationSuccessful = &f
	}

	if found && len(hmacKey) > 0 {
		key := hmacBase64(hmacKey, material)
		meta.UniqueSessionKey = &key
	}
	return meta
}

// extractMaterial pulls the credential substring identified by the
// descriptor's auth type out of the request's headers (spec §4.6).
func extractMaterial(tr *trace.ApiTrace, descriptor *trace.AuthenticationConfig) (string, bool) {
	switch descriptor.AuthType {
	case trace.AuthBasic:
		val, ok := findHeader(tr.Request.Headers, "Authorization")
		if !ok {
			return "", false
		}
		idx := strings.Index(val, authPrefix)
		if idx == -1 {
			return "", false
		}
		return val[idx+len(authPrefix):], true

	case trace.AuthHeader, trace.AuthJWT:
		// Two tags, same behavior today — spec §9 preserves the
		// distinction to allow future divergence without a breaking change.
		if descriptor.HeaderKey == nil {
			return "", false
		}
		return findHeader(tr.Request.Headers, *descriptor.HeaderKey)

	case trace.AuthSessionCookie:
		// Deliberately does NOT parse the Cookie header into name/value
		// pairs: cookie_name is matched against header names directly
		// (spec §9's documented quirk).
		if descriptor.CookieName == nil {
			return "", false
		}
		return findHeader(tr.Request.Headers, *descriptor.CookieName)

	default:
		return "", false
	}
}

// findHeader returns the value of the first header whose name matches
// target case-insensitively.
func findHeader(headers []trace.KeyVal, target string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, target) {
			return h.Value, true
		}
	}
	return "", false
}

func hmacBase64(key []byte, material string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(material)) //nolint:errcheck // hash.Hash.Write never errors
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
