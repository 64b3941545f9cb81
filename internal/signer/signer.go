// Package signer authenticates outbound webhook requests.
//
// The signing string is "<unix timestamp>.<raw body>", the digest is
// HMAC-SHA256 keyed by the endpoint secret, and the header value is
// "t=<unix timestamp>,v1=<hex digest>". Receivers recompute the digest,
// compare it in constant time and reject stale timestamps.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how old (or how far in the future) a signed
// timestamp may be at verification time.
const DefaultTolerance = 5 * time.Minute

const scheme = "v1"

var (
	ErrMalformedHeader         = errors.New("signature header is malformed")
	ErrTimestampOutOfTolerance = errors.New("signature timestamp outside tolerance")
	ErrSignatureMismatch       = errors.New("signature does not match payload")
)

// Sign returns the hex HMAC-SHA256 of "<ts>.<payload>".
func Sign(payload []byte, ts time.Time, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header renders the signature header value for payload.
func Header(payload []byte, ts time.Time, secret string) string {
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + "," + scheme + "=" + Sign(payload, ts, secret)
}

// Parsed is a decoded signature header.
type Parsed struct {
	Timestamp  time.Time
	Signatures []string // every v1 value present
}

// ParseHeader decodes "t=<unix>,v1=<hex>[,v1=<hex>...]". Unknown schemes
// are ignored so secrets can be rotated with several signatures.
func ParseHeader(header string) (Parsed, error) {
	var p Parsed
	var haveTS bool
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Parsed{}, ErrMalformedHeader
		}
		switch key {
		case "t":
			sec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Parsed{}, ErrMalformedHeader
			}
			p.Timestamp = time.Unix(sec, 0)
			haveTS = true
		case scheme:
			if _, err := hex.DecodeString(value); err != nil || value == "" {
				return Parsed{}, ErrMalformedHeader
			}
			p.Signatures = append(p.Signatures, value)
		}
	}
	if !haveTS || len(p.Signatures) == 0 {
		return Parsed{}, ErrMalformedHeader
	}
	return p, nil
}

// Verify checks header against payload and secret at time now. A
// non-positive tolerance means DefaultTolerance.
func Verify(header string, payload []byte, secret string, now time.Time, tolerance time.Duration) error {
	p, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(p.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestampOutOfTolerance
	}

	expected := []byte(Sign(payload, p.Timestamp, secret))
	for _, sig := range p.Signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
