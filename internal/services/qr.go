package services

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrQRMalformed = errors.New("qr payload malformed")
	ErrQRSignature = errors.New("qr payload signature mismatch")
)

// QRPayload identifies a ticket. It is a pointer to server-side state, never
// proof of payment on its own.
type QRPayload struct {
	TicketID string    `json:"ticketId"`
	EventID  string    `json:"eventId"`
	UserID   string    `json:"userId"`
	IssuedAt time.Time `json:"issuedAt"`
	Provider string    `json:"provider"`
}

// QRCodec encodes payloads as base64(JSON). With a key, a keyed BLAKE2b MAC is
// appended after a dot and required on decode.
type QRCodec struct {
	key []byte
}

func NewQRCodec(key string) *QRCodec {
	if key == "" {
		return &QRCodec{}
	}
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum512(k)
		k = sum[:]
	}
	return &QRCodec{key: k}
}

func (c *QRCodec) Signed() bool {
	return len(c.key) > 0
}

func (c *QRCodec) Encode(p QRPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	body := base64.StdEncoding.EncodeToString(data)
	if !c.Signed() {
		return body, nil
	}
	mac, err := c.mac(body)
	if err != nil {
		return "", err
	}
	return body + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

func (c *QRCodec) Decode(s string) (QRPayload, error) {
	var p QRPayload
	body, sig, hasSig := strings.Cut(strings.TrimSpace(s), ".")
	if c.Signed() {
		if !hasSig {
			return p, ErrQRSignature
		}
		got, err := base64.RawURLEncoding.DecodeString(sig)
		if err != nil {
			return p, ErrQRSignature
		}
		want, err := c.mac(body)
		if err != nil {
			return p, err
		}
		if subtle.ConstantTimeCompare(got, want) != 1 {
			return p, ErrQRSignature
		}
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return p, ErrQRMalformed
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TicketID == "" {
		return p, ErrQRMalformed
	}
	return p, nil
}

func (c *QRCodec) mac(body string) ([]byte, error) {
	h, err := blake2b.New256(c.key)
	if err != nil {
		return nil, fmt.Errorf("qr: mac: %w", err)
	}
	h.Write([]byte(body))
	return h.Sum(nil), nil
}
