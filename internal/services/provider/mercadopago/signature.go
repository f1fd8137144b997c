package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hmac256 returns the hex encoded HMAC-SHA256 of body under key.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// ParseSignature splits an x-signature header of the form "ts=...,v1=...".
func ParseSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	return ts, v1
}

// Manifest builds the string MercadoPago signs for a webhook delivery.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	if ts != "" {
		fmt.Fprintf(&b, "ts:%s;", ts)
	}
	return b.String()
}

// VerifySignature checks the x-signature header of a webhook delivery.
func VerifySignature(secret, header, requestID, dataID string) bool {
	ts, v1 := ParseSignature(header)
	if ts == "" || v1 == "" {
		return false
	}
	expected := Hmac256([]byte(Manifest(dataID, requestID, ts)), []byte(secret))
	return hmac.Equal([]byte(strings.ToLower(v1)), []byte(expected))
}
