// Package casso ingests bank-transaction webhooks in Casso's Webhook V2
// format and reconciles them against pending payment orders.
package casso

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var ErrBadSignature = errors.New("casso: signature verification failed")

// VerifySignature checks the X-Casso-Signature header against the raw body.
// Header format: t=<unix ms>,v1=<hex hmac>. The signed payload is
// "<t>.<canonical body>" where canonical means object keys sorted A->Z in
// compact JSON, MAC'd with HMAC-SHA512.
func VerifySignature(body []byte, signatureHeader, secret string) error {
	if signatureHeader == "" {
		return ErrBadSignature
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return ErrBadSignature
	}

	canon, err := canonicalJSON(body)
	if err != nil {
		return ErrBadSignature
	}

	h := hmac.New(sha512.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(canon)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return ErrBadSignature
	}
	return nil
}

// canonicalJSON reserializes the body so map keys come out sorted, which is
// exactly Casso's A->Z canonicalization: compact separators, UTF-8 and the
// HTML-sensitive characters (&, <, >) left as-is. json.Marshal would escape
// those to & etc. and MAC different bytes than the provider signed.
func canonicalJSON(body []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SignPayload produces the header value for a body: the provider side of
// VerifySignature, used by tests.
func SignPayload(body []byte, timestamp, secret string) (string, error) {
	canon, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha512.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(canon)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(h.Sum(nil)), nil
}
