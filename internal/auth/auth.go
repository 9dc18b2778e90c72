// Package auth validates the credentials the relay enforces before admitting
// a connection: the shared relay secret and per-channel broadcast tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"github.com/muxtun/muxtun/internal/config"
)

// Service holds the configured credentials. All comparisons are constant
// time: a wrong secret and a nearly-right secret are indistinguishable.
type Service struct {
	secret        []byte
	secretHash    []byte // bcrypt hash, used when no plain secret is configured
	channelSecret []byte
}

// NewService creates an auth service from config.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		secret:        []byte(cfg.Secret),
		secretHash:    []byte(cfg.SecretHash),
		channelSecret: []byte(cfg.ChannelSecret),
	}
}

// VerifySecret checks a client-supplied token against the relay secret.
// An empty token never matches.
func (s *Service) VerifySecret(token string) bool {
	if token == "" {
		return false
	}
	if len(s.secret) > 0 {
		return subtle.ConstantTimeCompare(s.secret, []byte(token)) == 1
	}
	if len(s.secretHash) > 0 {
		return bcrypt.CompareHashAndPassword(s.secretHash, []byte(token)) == nil
	}
	return false
}

// ChannelToken derives the credential for a named broadcast channel:
// hex(hmac-sha256(channel, channelSecret)). The token is bound to the
// channel name, so a token for one channel is useless on another.
func (s *Service) ChannelToken(channel string) string {
	mac := hmac.New(sha256.New, s.channelSecret)
	mac.Write([]byte(channel))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChannelToken checks a per-message broadcast credential.
func (s *Service) VerifyChannelToken(channel, token string) bool {
	if len(s.channelSecret) == 0 || token == "" {
		return false
	}
	expected := s.ChannelToken(channel)
	return hmac.Equal([]byte(expected), []byte(token))
}
