package external

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

// SignatureHeader carries the signature on outbound analytics deliveries.
const SignatureHeader = "X-Webhook-Signature"

// Signer produces "t=<unix>,v1=<hex>" signature headers over
// "<unix>.<payload>" with HMAC-SHA256. This is the same scheme the billing
// provider uses on inbound webhooks.
//
// During a secret rotation, Previous is also signed (as v1_old) until
// PreviousExpiresAt.
type Signer struct {
	Secret            string
	Previous          string
	PreviousExpiresAt time.Time
}

// Sign returns the header value for payload at now.
func (s Signer) Sign(payload []byte, now time.Time) (string, error) {
	if s.Secret == "" {
		return "", errors.New("signature: empty secret")
	}
	ts := now.Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, computeHMAC(ts, payload, s.Secret))
	if s.Previous != "" && !s.PreviousExpiresAt.IsZero() && !now.After(s.PreviousExpiresAt) {
		header += ",v1_old=" + computeHMAC(ts, payload, s.Previous)
	}
	return header, nil
}

// VerifyHeader checks header against payload using any of secrets. A
// tolerance of zero disables the timestamp check.
func VerifyHeader(payload []byte, header string, secrets []string, tolerance time.Duration, now time.Time) error {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || len(parts.signatures) == 0 {
		return ErrSignatureInvalid
	}
	ts, err := strconv.ParseInt(parts.timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if tolerance > 0 && now.Sub(time.Unix(ts, 0)) > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := []byte(computeHMAC(ts, payload, secret))
		for _, sig := range parts.signatures {
			if hmac.Equal([]byte(sig), expected) {
				return nil
			}
		}
	}
	return ErrSignatureInvalid
}

type signatureParts struct {
	timestamp  string
	signatures []string
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1_old=<hex>]".
func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			parts.timestamp = strings.TrimSpace(value)
		case "v1", "v1_old":
			parts.signatures = append(parts.signatures, strings.TrimSpace(value))
		}
	}
	return parts
}

func computeHMAC(ts int64, payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
