// Package signature verifies aggregator webhook signatures of the form "t=<unix>,v1=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is the HTTP header carrying the signature.
const Header = "terra-signature"

var (
	// ErrMissingSignature is returned when the header is absent or empty.
	ErrMissingSignature = errors.New("missing signature header")
	// ErrMalformedSignature is returned when the header lacks a timestamp or any v1 digest.
	ErrMalformedSignature = errors.New("malformed signature header")
	// ErrInvalidSignature is returned when no digest matches the body.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrTimestampExpired is returned when tolerance is enabled and the timestamp is too old or too far ahead.
	ErrTimestampExpired = errors.New("signature timestamp outside tolerance")
)

// Format selects how the timestamp and body are joined before hashing.
type Format int

const (
	// FormatDotted signs "{t}.{body}".
	FormatDotted Format = iota
	// FormatConcat signs "{t}{body}".
	FormatConcat
)

// Verifier checks webhook signatures against a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithTolerance rejects signatures whose timestamp differs from now by more than d. Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

// WithClock overrides the time source used for tolerance checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier constructs a Verifier for the given secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns nil only when one of the header's v1 digests matches either accepted message format.
func (v *Verifier) Verify(body []byte, header string) error {
	if len(v.secret) == 0 {
		return ErrInvalidSignature
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	ts, digests, err := parseHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: timestamp %q", ErrMalformedSignature, ts)
		}
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrTimestampExpired
		}
	}

	candidates := [][]byte{
		compute(v.secret, ts, body, FormatDotted),
		compute(v.secret, ts, body, FormatConcat),
	}
	matched := false
	for _, digest := range digests {
		for _, candidate := range candidates {
			// evaluate every pair so timing does not reveal which candidate matched
			if hmac.Equal(digest, candidate) {
				matched = true
			}
		}
	}
	if !matched {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces a header value for body at time t.
func Sign(secret string, body []byte, t time.Time, format Format) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(compute([]byte(secret), ts, body, format)))
}

func compute(secret []byte, ts string, body []byte, format Format) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	if format == FormatDotted {
		mac.Write([]byte{'.'})
	}
	mac.Write(body)
	return mac.Sum(nil)
}

func parseHeader(header string) (string, [][]byte, error) {
	var (
		ts      string
		digests [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			ts = strings.TrimSpace(value)
		case "v1":
			decoded, err := hex.DecodeString(strings.TrimSpace(value))
			if err != nil {
				continue
			}
			digests = append(digests, decoded)
		}
	}
	if ts == "" || len(digests) == 0 {
		return "", nil, ErrMalformedSignature
	}
	return ts, digests, nil
}
