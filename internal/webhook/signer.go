// Package webhook signs and delivers outbound events and verifies them on
// the receiving side.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature   = "X-Signature"
	HeaderTimestamp   = "X-Timestamp"
	HeaderRequestID   = "X-Request-Id"
	HeaderPayloadHash = "X-Payload-Hash"

	signaturePrefix = "sha256="

	DefaultMaxSkew = 5 * time.Minute
)

var (
	ErrMissingHeader    = errors.New("WEBHOOK_MISSING_HEADER")
	ErrInvalidSignature = errors.New("WEBHOOK_INVALID_SIGNATURE")
	ErrPayloadHash      = errors.New("WEBHOOK_PAYLOAD_HASH_MISMATCH")
	ErrClockSkew        = errors.New("WEBHOOK_CLOCK_SKEW")
)

// Sign returns sha256=<hex HMAC-SHA256(secret, timestamp + "." + body)>.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Verify checks a received delivery: all headers present, payload hash and
// signature match, and the timestamp within maxSkew of now.
func Verify(secret []byte, header http.Header, body []byte, now time.Time, maxSkew time.Duration) error {
	sig := header.Get(HeaderSignature)
	ts := header.Get(HeaderTimestamp)
	hash := header.Get(HeaderPayloadHash)
	if sig == "" || ts == "" || hash == "" || header.Get(HeaderRequestID) == "" {
		return ErrMissingHeader
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrClockSkew
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrClockSkew
	}

	if !hmac.Equal([]byte(strings.ToLower(hash)), []byte(PayloadHash(body))) {
		return ErrPayloadHash
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return ErrInvalidSignature
	}
	return nil
}
