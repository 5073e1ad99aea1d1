package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSigner_EmptySecretDisables(t *testing.T) {
	assert.Nil(t, NewSigner(""))
}

func TestSigner_SignMatchesHMACOfTimestampDotBody(t *testing.T) {
	s := NewSigner("topsecret")
	at := time.Unix(1_700_000_000, 0)
	body := []byte(`{"metric":"traffic"}`)

	ts, sig := s.Sign(at, body)
	assert.Equal(t, "1700000000", ts)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte("1700000000." + string(body)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSigner_DigestDependsOnTimestamp(t *testing.T) {
	s := NewSigner("k")
	body := []byte(`{}`)
	_, first := s.Sign(time.Unix(1, 0), body)
	_, second := s.Sign(time.Unix(2, 0), body)
	assert.NotEqual(t, first, second)
}
