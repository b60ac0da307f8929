// Package hmacauth authenticates mutating API calls. A caller signs the
// request line, its idempotency key and its body with a shared secret, so
// a captured signature is useless on another route or under another key.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	SignatureHeader = "X-Request-Signature"
	TimestampHeader = "X-Request-Timestamp"

	defaultSkew = time.Minute
	maxBody     = 1 << 20
)

// ErrUnauthenticated is matched by every verification failure.
var ErrUnauthenticated = errors.New("unauthenticated")

var (
	ErrMissingSignature = fmt.Errorf("%w: missing request signature", ErrUnauthenticated)
	ErrMissingTimestamp = fmt.Errorf("%w: missing or malformed request timestamp", ErrUnauthenticated)
	ErrStaleTimestamp   = fmt.Errorf("%w: request timestamp outside allowed skew", ErrUnauthenticated)
	ErrInvalidSignature = fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
)

// Payload is the signed view of a request.
type Payload struct {
	Timestamp      int64
	Method         string
	Path           string
	IdempotencyKey string
	Body           []byte
}

// Sign returns the lower-case hex HMAC-SHA256 of p under secret.
func (p Payload) Sign(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s\n%s\n%s\n", p.Timestamp, p.Method, p.Path, p.IdempotencyKey)
	mac.Write(p.Body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Guard verifies signed requests. An empty Secret lets every request
// through.
type Guard struct {
	Secret  string
	MaxSkew time.Duration
	// KeyHeader names the idempotency key header folded into the
	// signature. Empty signs no key.
	KeyHeader string
	Clock     clockwork.Clock
	// OnReject renders a failed verification; nil writes a plain 401.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
}

func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := g.Verify(r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case g.OnReject != nil:
			g.OnReject(w, r, err)
		default:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	})
}

// Verify checks r's signature and leaves its body readable.
func (g *Guard) Verify(r *http.Request) error {
	if g.Secret == "" {
		return nil
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(SignatureHeader)))
	if sig == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(TimestampHeader)), 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}
	if skew := g.now().Sub(time.Unix(ts, 0)); skew > g.maxSkew() || -skew > g.maxSkew() {
		return ErrStaleTimestamp
	}

	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	want := payloadOf(r, ts, body, g.KeyHeader).Sign(g.Secret)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *Guard) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock.Now()
}

func (g *Guard) maxSkew() time.Duration {
	if g.MaxSkew <= 0 {
		return defaultSkew
	}
	return g.MaxSkew
}

// SignRequest stamps r with the timestamp and signature a Guard sharing
// secret and keyHeader accepts.
func SignRequest(r *http.Request, secret, keyHeader string, at time.Time) error {
	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	ts := at.Unix()
	r.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	r.Header.Set(SignatureHeader, payloadOf(r, ts, body, keyHeader).Sign(secret))
	return nil
}

func payloadOf(r *http.Request, ts int64, body []byte, keyHeader string) Payload {
	p := Payload{Timestamp: ts, Method: r.Method, Path: r.URL.Path, Body: body}
	if keyHeader != "" {
		p.IdempotencyKey = strings.TrimSpace(r.Header.Get(keyHeader))
	}
	return p
}

// bufferBody reads r's body and replaces it with an in-memory copy.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBody)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
