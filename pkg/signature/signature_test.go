package signature

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	keys  map[string]*PublicKey
	calls int
}

func (f *staticFetcher) FetchPublicKey(ctx context.Context, keyID string) (*PublicKey, error) {
	f.calls++
	k, ok := f.keys[keyID]
	if !ok {
		return nil, errors.New("unknown key")
	}
	return k, nil
}

const testKeyID = "https://a.example/users/alice#main-key"

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func signedRequest(t *testing.T, key *rsa.PrivateKey, body []byte, now time.Time) *http.Request {
	t.Helper()
	const target = "https://b.example/users/bob/inbox"

	headers, err := Sign(http.MethodPost, target, body, testKeyID, key, now)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	for name, values := range headers {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}
	req.Host = headers.Get("Host")
	return req
}

func newTestVerifier(key *rsa.PrivateKey, now time.Time) (*Verifier, *staticFetcher) {
	fetcher := &staticFetcher{keys: map[string]*PublicKey{
		testKeyID: {ID: testKeyID, Owner: "https://a.example/users/alice", Key: &key.PublicKey},
	}}
	v := NewVerifier(fetcher, 12*time.Hour)
	v.SetClock(func() time.Time { return now })
	return v, fetcher
}

func TestDigest(t *testing.T) {
	// sha256("") in base64
	assert.Equal(t, "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", Digest(nil))
}

func TestSignHeaders(t *testing.T) {
	key := testKey(t)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	body := []byte(`{"type":"Create"}`)

	h, err := Sign(http.MethodPost, "https://b.example/users/bob/inbox", body, testKeyID, key, now)
	require.NoError(t, err)

	assert.Equal(t, "Mon, 15 Jan 2024 10:30:00 GMT", h.Get("Date"))
	assert.Equal(t, "b.example", h.Get("Host"))
	assert.Equal(t, Digest(body), h.Get("Digest"))
	assert.Equal(t, ContentType, h.Get("Content-Type"))
	assert.Equal(t, ContentType, h.Get("Accept"))

	params, err := ParseSignatureHeader(h.Get("Signature"))
	require.NoError(t, err)
	assert.Equal(t, testKeyID, params.KeyID)
	assert.Equal(t, Algorithm, params.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date", "digest"}, params.Headers)
	assert.NotEmpty(t, params.Signature)
}

func TestSignRequiresKeyAndHost(t *testing.T) {
	_, err := Sign(http.MethodPost, "https://b.example/inbox", nil, testKeyID, nil, time.Now())
	assert.Error(t, err)

	_, err = Sign(http.MethodPost, "/inbox", nil, testKeyID, testKey(t), time.Now())
	assert.Error(t, err)
}

func TestVerifyRoundTrip(t *testing.T) {
	key := testKey(t)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	body := []byte(`{"type":"Follow"}`)

	v, fetcher := newTestVerifier(key, now.Add(time.Minute))
	pub, err := v.Verify(context.Background(), signedRequest(t, key, body, now), body)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/users/alice", pub.Owner)
	assert.Equal(t, 1, fetcher.calls)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key := testKey(t)
	now := time.Now().UTC()
	v, _ := newTestVerifier(key, now)

	req := signedRequest(t, key, []byte(`{"type":"Follow"}`), now)
	_, err := v.Verify(context.Background(), req, []byte(`{"type":"Undo"}`))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyRejectsForgedDigest(t *testing.T) {
	key := testKey(t)
	now := time.Now().UTC()
	v, _ := newTestVerifier(key, now)

	// Digest header rewritten to match the new body; the signature no longer covers it.
	tampered := []byte(`{"type":"Undo"}`)
	req := signedRequest(t, key, []byte(`{"type":"Follow"}`), now)
	req.Header.Set("Digest", Digest(tampered))

	_, err := v.Verify(context.Background(), req, tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	key := testKey(t)
	signedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	body := []byte(`{}`)

	v, fetcher := newTestVerifier(key, signedAt.Add(13*time.Hour))
	_, err := v.Verify(context.Background(), signedRequest(t, key, body, signedAt), body)
	assert.ErrorIs(t, err, ErrStaleDate)
	assert.Zero(t, fetcher.calls)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := testKey(t)
	other := testKey(t)
	now := time.Now().UTC()
	body := []byte(`{}`)

	v, _ := newTestVerifier(other, now)
	_, err := v.Verify(context.Background(), signedRequest(t, signer, body, now), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMissingSignature(t *testing.T) {
	v, _ := newTestVerifier(testKey(t), time.Now())
	req := httptest.NewRequest(http.MethodPost, "https://b.example/inbox", strings.NewReader("{}"))

	_, err := v.Verify(context.Background(), req, []byte("{}"))
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr error
		headers []string
	}{
		{
			name:    "full",
			value:   `keyId="k#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="AAAA"`,
			headers: []string{"(request-target)", "host", "date", "digest"},
		},
		{
			name:    "default headers",
			value:   `keyId="k",signature="AAAA"`,
			headers: []string{"date"},
		},
		{
			name:    "comma inside quotes",
			value:   `keyId="k,1",signature="AAAA"`,
			headers: []string{"date"},
		},
		{name: "empty", value: "", wantErr: ErrMissingSignature},
		{name: "no key id", value: `signature="AAAA"`, wantErr: ErrMalformed},
		{name: "unquoted", value: `keyId=k,signature="AAAA"`, wantErr: ErrMalformed},
		{name: "bad base64", value: `keyId="k",signature="!!"`, wantErr: ErrMalformed},
		{name: "garbage", value: `nonsense`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseSignatureHeader(tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.headers, p.Headers)
		})
	}
}

// signWith signs the listed headers of req directly, bypassing Sign.
func signWith(t *testing.T, req *http.Request, key *rsa.PrivateKey, headers []string) {
	t.Helper()
	values := map[string]string{}
	for _, name := range headers {
		switch name {
		case RequestTarget:
			values[name] = requestTarget(req.Method, req.URL.RequestURI())
		case "host":
			values[name] = req.Host
		default:
			values[name] = req.Header.Get(name)
		}
	}
	hashed := sha256.Sum256([]byte(buildSigningString(headers, values)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Signature", Parameters{
		KeyID: testKeyID, Algorithm: Algorithm, Headers: headers, Signature: sig,
	}.String())
}

func TestVerifyRequiresCoreHeaders(t *testing.T) {
	key := testKey(t)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	body := []byte(`{"type":"Follow"}`)

	tests := []struct {
		name    string
		headers []string
	}{
		{"date not signed", []string{RequestTarget, "host", "digest"}},
		{"request target not signed", []string{"host", "date", "digest"}},
		{"digest not signed", []string{RequestTarget, "host", "date"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, key, body, now.Add(-24*time.Hour))
			// A fresh Date that the signature does not cover.
			req.Header.Set("Date", now.Format(http.TimeFormat))
			signWith(t, req, key, tt.headers)

			v, fetcher := newTestVerifier(key, now)
			_, err := v.Verify(context.Background(), req, body)
			require.Error(t, err)
			assert.Zero(t, fetcher.calls)
		})
	}

	t.Run("all core headers signed", func(t *testing.T) {
		req := signedRequest(t, key, body, now)
		signWith(t, req, key, []string{RequestTarget, "host", "date", "digest"})
		v, _ := newTestVerifier(key, now)
		_, err := v.Verify(context.Background(), req, body)
		assert.NoError(t, err)
	})

	t.Run("missing date is malformed", func(t *testing.T) {
		req := signedRequest(t, key, body, now)
		signWith(t, req, key, []string{RequestTarget, "host", "digest"})
		v, _ := newTestVerifier(key, now)
		_, err := v.Verify(context.Background(), req, body)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
