package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader is the HTTP header carrying the delivery callback
// signature.
const SignatureHeader = "X-Mentormail-Signature"

// Signer produces and verifies HMAC-SHA256 signatures over raw callback
// bodies. It supports a previous secret for zero-downtime rotation.
//
// Header value format: t=<unix>,v1=<hex>[,v1_old=<hex>]
// The signed content is "{unix_timestamp}.{body}".
type Signer struct {
	secret     string
	prevSecret string
}

// NewSigner creates a Signer. prevSecret may be empty when no rotation is
// in progress. An empty secret yields a Signer whose Sign fails and whose
// Verify always rejects.
func NewSigner(secret, prevSecret string) *Signer {
	return &Signer{secret: secret, prevSecret: prevSecret}
}

// Configured reports whether a current signing secret is set.
func (s *Signer) Configured() bool {
	return s.secret != ""
}

// Sign produces the signature header value for a payload at the given time.
func (s *Signer) Sign(payload []byte, now time.Time) (string, error) {
	if s.secret == "" {
		return "", fmt.Errorf("queue: signing secret not configured")
	}

	timestamp := now.Unix()
	signedContent := fmt.Sprintf("%d.%s", timestamp, payload)

	header := fmt.Sprintf("t=%d,v1=%s", timestamp, computeHMAC(signedContent, s.secret))
	if s.prevSecret != "" {
		header = fmt.Sprintf("%s,v1_old=%s", header, computeHMAC(signedContent, s.prevSecret))
	}
	return header, nil
}

// Verify checks a payload against a signature header. The payload matches
// when either the v1 or v1_old component validates against the current or
// previous secret. Comparison is constant-time.
func (s *Signer) Verify(payload []byte, header string) bool {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || parts.v1 == "" {
		return false
	}

	signedContent := fmt.Sprintf("%s.%s", parts.timestamp, payload)

	if s.secret != "" {
		expected := computeHMAC(signedContent, s.secret)
		if hmac.Equal([]byte(parts.v1), []byte(expected)) {
			return true
		}
	}

	if s.prevSecret != "" {
		expected := computeHMAC(signedContent, s.prevSecret)
		if hmac.Equal([]byte(parts.v1), []byte(expected)) {
			return true
		}
		if parts.v1Old != "" && hmac.Equal([]byte(parts.v1Old), []byte(expected)) {
			return true
		}
	}

	return false
}

type signatureParts struct {
	timestamp string
	v1        string
	v1Old     string
}

// parseSignatureHeader breaks a signature header into its component parts.
// Expected format: "t=<unix>,v1=<hex>[,v1_old=<hex>]"
func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			parts.timestamp = strings.TrimSpace(kv[1])
		case "v1":
			parts.v1 = strings.TrimSpace(kv[1])
		case "v1_old":
			parts.v1Old = strings.TrimSpace(kv[1])
		}
	}
	return parts
}

// computeHMAC computes the HMAC-SHA256 of content using the given key
// and returns it as a lowercase hex string.
func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}
