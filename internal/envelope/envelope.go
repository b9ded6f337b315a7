// Package envelope implements the Envelope Encryptor (C7): a hybrid
// RSA-OAEP + AES-256-GCM scheme that preserves per-field addressability —
// every body, header, and query value is encrypted under the trace's one
// AES key with its own freshly generated nonce, so the collector can decrypt
// fields independently and no nonce is reused under that key.
//
// Grounded on spec §4.7; no equivalent exists in the teacher (the teacher
// anonymizes PII in place rather than encrypting an envelope for a remote
// collector), so the crypto plumbing is built fresh in the teacher's
// stdlib-only style — no third-party asymmetric/AEAD library appears
// anywhere in the example pack (SPEC_FULL.md DOMAIN STACK).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"metlo-agent-core/internal/trace"
)

// aesKeySize is 256 bits (spec §4.7 step 1).
const aesKeySize = 32

// nonceSize is 96 bits, the standard (and only stdlib-supported) AES-GCM
// nonce length.
const nonceSize = 12

// ParsePublicKeyPEM decodes an RSA public key from PEM text, accepting
// either PKIX (SubjectPublicKeyInfo) or PKCS#1 encoding.
func ParsePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("envelope: no PEM block found")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("envelope: PEM key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Result is the encrypted-or-redacted outgoing record for one trace.
type Result struct {
	Request    trace.ApiRequest
	Response   *trace.ApiResponse
	Encryption *trace.Encryption // nil when Redacted is true
	Redacted   bool
}

// Encrypt implements spec §4.7's numbered algorithm: generate a fresh AES
// key, wrap it under RSA-OAEP-SHA256, then encrypt every captured field
// under an independent 96-bit GCM nonce, recording each nonce in
// generated_ivs under the stable identifier the spec assigns it.
func Encrypt(pub *rsa.PublicKey, tr *trace.ApiTrace) (*Result, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate AES key: %w", err)
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: RSA-OAEP wrap: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: AES cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: GCM init: %w", err)
	}

	ivs := make(map[string]string)

	encField := func(plaintext string) (string, []byte, error) {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return "", nil, fmt.Errorf("envelope: generate nonce: %w", err)
		}
		ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
		return base64.StdEncoding.EncodeToString(ciphertext), nonce, nil
	}

	encBody := func(prefix, body string) (string, error) {
		ct, nonce, err := encField(body)
		if err != nil {
			return "", err
		}
		ivs[prefix] = base64.StdEncoding.EncodeToString(nonce)
		return ct, nil
	}

	encKV := func(section string, kvs []trace.KeyVal) ([]trace.KeyVal, error) {
		out := make([]trace.KeyVal, len(kvs))
		for i, kv := range kvs {
			nameCT, nameNonce, err := encField(kv.Name)
			if err != nil {
				return nil, err
			}
			valCT, valNonce, err := encField(kv.Value)
			if err != nil {
				return nil, err
			}
			ivs[section+"."+nameCT] = base64.StdEncoding.EncodeToString(nameNonce)
			ivs[section+"."+valCT] = base64.StdEncoding.EncodeToString(valNonce)
			out[i] = trace.KeyVal{Name: nameCT, Value: valCT}
		}
		return out, nil
	}

	reqBodyCT, err := encBody("reqBody", tr.Request.Body)
	if err != nil {
		return nil, err
	}
	reqHeaders, err := encKV("reqHeaders", tr.Request.Headers)
	if err != nil {
		return nil, err
	}
	reqQuery, err := encKV("reqQuery", tr.Request.Url.Parameters)
	if err != nil {
		return nil, err
	}

	outReq := trace.ApiRequest{
		Method: tr.Request.Method,
		Url: trace.ApiUrl{
			Host:       tr.Request.Url.Host,
			Path:       tr.Request.Url.Path,
			Parameters: reqQuery,
		},
		Headers: reqHeaders,
		Body:    reqBodyCT,
	}

	var outResp *trace.ApiResponse
	if tr.Response != nil {
		resBodyCT, err := encBody("resBody", tr.Response.Body)
		if err != nil {
			return nil, err
		}
		resHeaders, err := encKV("resHeaders", tr.Response.Headers)
		if err != nil {
			return nil, err
		}
		outResp = &trace.ApiResponse{
			Status:  tr.Response.Status,
			Headers: resHeaders,
			Body:    resBodyCT,
		}
	}

	return &Result{
		Request:  outReq,
		Response: outResp,
		Encryption: &trace.Encryption{
			Key:          base64.StdEncoding.EncodeToString(wrappedKey),
			GeneratedIVs: ivs,
		},
	}, nil
}

// Redact discards all captured content (body, headers, query parameters),
// keeping only method/host/path/status plaintext — spec §4.7's disabled
// path. No Encryption is attached.
func Redact(tr *trace.ApiTrace) *Result {
	outReq := trace.ApiRequest{
		Method: tr.Request.Method,
		Url: trace.ApiUrl{
			Host: tr.Request.Url.Host,
			Path: tr.Request.Url.Path,
		},
	}
	var outResp *trace.ApiResponse
	if tr.Response != nil {
		outResp = &trace.ApiResponse{Status: tr.Response.Status}
	}
	return &Result{Request: outReq, Response: outResp, Redacted: true}
}

// DecryptField recovers a plaintext field given the wrapped-key ciphertext,
// the field's recorded nonce, and the RSA private key — used by tests to
// verify the encryptor's round-trip idempotence (spec §8).
func DecryptField(priv *rsa.PrivateKey, wrappedKeyB64, nonceB64, ciphertextB64 string) (string, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(wrappedKeyB64)
	if err != nil {
		return "", fmt.Errorf("envelope: decode wrapped key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrappedKey, nil)
	if err != nil {
		return "", fmt.Errorf("envelope: RSA-OAEP unwrap: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", fmt.Errorf("envelope: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("envelope: GCM open: %w", err)
	}
	return string(plaintext), nil
}
