package resend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"

	secretPrefix = "whsec_"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Headers carries the three Svix headers of a webhook delivery.
type Headers struct {
	ID        string `json:"svix_id"`
	Timestamp string `json:"svix_timestamp"`
	Signature string `json:"svix_signature"`
}

func secretKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrInvalidSignature
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return key, nil
}

func sign(key []byte, h Headers, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(h.ID + "." + h.Timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks body against every "v1,<sig>" token of the
// signature header and accepts on the first match.
func VerifySignature(secret string, h Headers, body []byte) error {
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrInvalidSignature
	}
	key, err := secretKey(secret)
	if err != nil {
		return err
	}
	expected := []byte(sign(key, h, body))
	for _, tok := range strings.Fields(h.Signature) {
		_, sig, ok := strings.Cut(tok, ",")
		if !ok {
			continue
		}
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign produces a signature header value for body, used by the mock provider
// and tests.
func Sign(secret string, id, timestamp string, body []byte) (string, error) {
	key, err := secretKey(secret)
	if err != nil {
		return "", err
	}
	return "v1," + sign(key, Headers{ID: id, Timestamp: timestamp}, body), nil
}
