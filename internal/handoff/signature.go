// Package handoff verifies the signed payment request the upstream app
// redirects the payer with. The envelope is url-safe base64 of
// {"data": {...}, "signature": hex} where signature = HMAC-SHA256 over the
// upstream's serialization of data: keys sorted, a space after every comma
// and colon, non-ASCII escaped as \uXXXX.
package handoff

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	ErrBadSignature = errors.New("handoff: signature verification failed")
	ErrExpired      = errors.New("handoff: signature has expired")
	ErrMalformed    = errors.New("handoff: invalid signature format")
)

// Request is the payment hand-off the upstream app signed.
type Request struct {
	OrderID   string `json:"order_id,omitempty"` // upstream's own id, informational
	Amount    int64  `json:"amount"`
	Purpose   string `json:"type"`
	Username  string `json:"username,omitempty"`
	ReturnURL string `json:"return_url"`
	ExpiredAt int64  `json:"expired_at,omitempty"` // unix seconds
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// canonical re-marshals arbitrary JSON into the exact bytes the upstream
// signed: object keys sorted, ", " and ": " separators, ASCII-only output.
// A compact key-sorted serialization would MAC different bytes and reject
// every legitimate hand-off.
func canonical(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return widenSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// widenSeparators rewrites compact JSON into the upstream's spacing and
// escaping: ' ' after each ',' and ':' outside string literals, and every
// rune above 0x7F inside them as a lowercase \uXXXX escape (surrogate pairs
// past the BMP).
func widenSeparators(compact []byte) []byte {
	out := make([]byte, 0, len(compact)+len(compact)/8)
	inStr := false
	for i := 0; i < len(compact); {
		c := compact[i]
		if !inStr {
			out = append(out, c)
			if c == '"' {
				inStr = true
			} else if c == ',' || c == ':' {
				out = append(out, ' ')
			}
			i++
			continue
		}
		switch {
		case c == '\\':
			out = append(out, compact[i], compact[i+1])
			i += 2
		case c == '"':
			inStr = false
			out = append(out, c)
			i++
		case c < utf8.RuneSelf:
			out = append(out, c)
			i++
		default:
			r, size := utf8.DecodeRune(compact[i:])
			if r > 0xFFFF {
				hi, lo := utf16.EncodeRune(r)
				out = append(out, fmt.Sprintf(`\u%04x\u%04x`, hi, lo)...)
			} else {
				out = append(out, fmt.Sprintf(`\u%04x`, r)...)
			}
			i += size
		}
	}
	return out
}

func (ver *Verifier) mac(data []byte) string {
	h := hmac.New(sha256.New, ver.secret)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify decodes and checks an encoded hand-off. The error never says more
// than which coarse class failed.
func (ver *Verifier) Verify(encoded string) (Request, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Request{}, ErrMalformed
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Request{}, ErrMalformed
	}
	if len(env.Data) == 0 || env.Signature == "" {
		return Request{}, ErrMalformed
	}

	canon, err := canonical(env.Data)
	if err != nil {
		return Request{}, ErrMalformed
	}
	if !hmac.Equal([]byte(ver.mac(canon)), []byte(env.Signature)) {
		return Request{}, ErrBadSignature
	}

	var req Request
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return Request{}, ErrMalformed
	}
	if req.ExpiredAt != 0 && ver.now().Unix() > req.ExpiredAt {
		return Request{}, ErrExpired
	}
	return req, nil
}

// Sign builds the encoded hand-off for a request. Lives here so the
// upstream side and the tests share one implementation.
func (ver *Verifier) Sign(req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("handoff: marshal: %w", err)
	}
	canon, err := canonical(data)
	if err != nil {
		return "", fmt.Errorf("handoff: canonicalize: %w", err)
	}
	env := envelope{Data: data, Signature: ver.mac(canon)}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("handoff: marshal envelope: %w", err)
	}
	return base64.URLEncoding.EncodeToString(out), nil
}
