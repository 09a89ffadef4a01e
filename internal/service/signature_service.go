package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix tags the digest algorithm in the X-Webhook-Signature header.
const signaturePrefix = "sha256="

// HMACSignatureService implements ports.SignatureService with HMAC-SHA256
// over the raw webhook body.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secretKey.
func (s *HMACSignatureService) Sign(secretKey string, payload string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. A "sha256=" prefix on signature is accepted.
func (s *HMACSignatureService) Verify(secretKey string, payload string, signature string) bool {
	expected := s.Sign(secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, signaturePrefix)))
}

// SignatureHeader formats the X-Webhook-Signature value for body.
func SignatureHeader(signer interface{ Sign(string, string) string }, secret string, body []byte) string {
	return signaturePrefix + signer.Sign(secret, string(body))
}
