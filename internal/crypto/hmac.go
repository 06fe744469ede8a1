package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried on authenticated guarantee service requests.
const (
	HeaderAPIKey    = "X-Guarantee-Key"
	HeaderTimestamp = "X-Guarantee-Timestamp"
	HeaderSignature = "X-Guarantee-Signature"
	HeaderAddress   = "X-Guarantee-Address"
)

// APIAuth holds the API credentials for the guarantee service.
type APIAuth struct {
	Key    string
	Secret string
}

// Headers signs method+path+body at the current time.
func (a APIAuth) Headers(address, method, path, body string) map[string]string {
	return a.HeadersAt(address, method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
//
// The signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (a APIAuth) HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	h := map[string]string{
		HeaderAPIKey:    a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(a.Secret), ts+method+path+body),
	}
	if address != "" {
		h[HeaderAddress] = address
	}
	return h
}

// VerifyHeaders checks a signature produced by HeadersAt.
func (a APIAuth) VerifyHeaders(method, path, body, ts, sig string) bool {
	want := hmacSHA256Base64([]byte(a.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// String redacts the credentials.
func (a APIAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APIAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
