// Package signature signs and verifies federation requests with HTTP
// signatures (draft-cavage style, rsa-sha256) over the request target,
// host, date and body digest.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	Algorithm   = "rsa-sha256"
	ContentType = "application/activity+json"

	RequestTarget = "(request-target)"
)

// SignedHeaders is the ordered header list covered by outbound signatures.
var SignedHeaders = []string{RequestTarget, "host", "date", "digest"}

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrMalformed        = errors.New("malformed signature header")
	ErrUnsupported      = errors.New("unsupported signature algorithm")
	ErrDigestMismatch   = errors.New("body digest mismatch")
	ErrStaleDate        = errors.New("date outside allowed skew")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign returns the headers for an authenticated request: Date, Host,
// Digest, Signature, Content-Type and Accept.
func Sign(method, rawURL string, body []byte, keyID string, key *rsa.PrivateKey, now time.Time) (http.Header, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}

	values := map[string]string{
		RequestTarget: requestTarget(method, u.RequestURI()),
		"host":        u.Host,
		"date":        now.UTC().Format(http.TimeFormat),
		"digest":      Digest(body),
	}

	signingString := buildSigningString(SignedHeaders, values)
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	params := Parameters{
		KeyID:     keyID,
		Algorithm: Algorithm,
		Headers:   SignedHeaders,
		Signature: sig,
	}

	h := http.Header{}
	h.Set("Date", values["date"])
	h.Set("Host", values["host"])
	h.Set("Digest", values["digest"])
	h.Set("Signature", params.String())
	h.Set("Content-Type", ContentType)
	h.Set("Accept", ContentType)
	return h, nil
}

func requestTarget(method, uri string) string {
	return strings.ToLower(method) + " " + uri
}

func buildSigningString(headers []string, values map[string]string) string {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		lines = append(lines, name+": "+values[name])
	}
	return strings.Join(lines, "\n")
}

// Parameters is a parsed Signature header.
type Parameters struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

func (p Parameters) String() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID, p.Algorithm, strings.Join(p.Headers, " "),
		base64.StdEncoding.EncodeToString(p.Signature))
}

// ParseSignatureHeader parses `keyId="..",algorithm="..",headers="..",signature=".."`.
// A missing headers parameter defaults to "date".
func ParseSignatureHeader(value string) (*Parameters, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMissingSignature
	}

	fields := map[string]string{}
	for _, part := range splitParams(value) {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, part)
		}
		name := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		if len(val) < 2 || val[0] != '"' || val[len(val)-1] != '"' {
			return nil, fmt.Errorf("%w: unquoted value for %s", ErrMalformed, name)
		}
		fields[name] = val[1 : len(val)-1]
	}

	p := &Parameters{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
	}
	if p.KeyID == "" {
		return nil, fmt.Errorf("%w: missing keyId", ErrMalformed)
	}
	if fields["signature"] == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrMalformed)
	}
	p.Signature = sig

	if h := strings.TrimSpace(fields["headers"]); h != "" {
		p.Headers = strings.Fields(strings.ToLower(h))
	} else {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// splitParams splits on commas that are outside quotes.
func splitParams(s string) []string {
	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
