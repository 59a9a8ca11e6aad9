package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PublicKey is a remote actor's verification key.
type PublicKey struct {
	ID    string
	Owner string
	Key   *rsa.PublicKey
}

// KeyFetcher resolves a signature keyId to its public key.
type KeyFetcher interface {
	FetchPublicKey(ctx context.Context, keyID string) (*PublicKey, error)
}

// Verifier checks inbound request signatures.
type Verifier struct {
	fetcher KeyFetcher
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. A zero maxSkew disables the Date check.
func NewVerifier(fetcher KeyFetcher, maxSkew time.Duration) *Verifier {
	return &Verifier{
		fetcher: fetcher,
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// SetClock overrides the time source used for the Date check.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify checks r's Signature header against body and returns the key
// that produced it. r.Body is not read; callers pass the bytes they
// already consumed.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (*PublicKey, error) {
	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(params.Algorithm) {
	case "", Algorithm, "hs2019":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, params.Algorithm)
	}

	covered := map[string]bool{}
	for _, h := range params.Headers {
		covered[h] = true
	}
	for _, required := range []string{RequestTarget, "date"} {
		if !covered[required] {
			return nil, fmt.Errorf("%w: signature does not cover %s", ErrMalformed, required)
		}
	}

	if len(body) > 0 {
		digest := r.Header.Get("Digest")
		if digest == "" || !covered["digest"] {
			return nil, fmt.Errorf("%w: body is not covered by a signed digest", ErrDigestMismatch)
		}
		if subtle.ConstantTimeCompare([]byte(digest), []byte(Digest(body))) != 1 {
			return nil, ErrDigestMismatch
		}
	}

	if v.maxSkew > 0 {
		date, err := http.ParseTime(r.Header.Get("Date"))
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable Date header", ErrStaleDate)
		}
		skew := v.now().Sub(date)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return nil, ErrStaleDate
		}
	}

	values := map[string]string{}
	for _, name := range params.Headers {
		switch name {
		case RequestTarget:
			values[name] = requestTarget(r.Method, r.URL.RequestURI())
		case "host":
			values[name] = r.Host
		default:
			hv := r.Header.Values(http.CanonicalHeaderKey(name))
			if len(hv) == 0 {
				return nil, fmt.Errorf("%w: signed header %s is absent", ErrMalformed, name)
			}
			values[name] = strings.Join(hv, ", ")
		}
	}

	pub, err := v.fetcher.FetchPublicKey(ctx, params.KeyID)
	if err != nil {
		return nil, fmt.Errorf("fetching key %s: %w", params.KeyID, err)
	}

	hashed := sha256.Sum256([]byte(buildSigningString(params.Headers, values)))
	if err := rsa.VerifyPKCS1v15(pub.Key, crypto.SHA256, hashed[:], params.Signature); err != nil {
		return nil, ErrInvalidSignature
	}
	return pub, nil
}
