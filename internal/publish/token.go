// Package publish implements the Publisher HTTP path: endpoint token
// decoding, VAPID verification, route selection (direct-notify, store, or
// bridge), and the mobile-bridge Registration HTTP verbs. It is the HTTP
// counterpart of internal/session, wired together the way tr1d1um.go wires
// translation.Service behind a go-kit endpoint and a gorilla/mux router.
package publish

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"github.com/relaypush/relaypush/internal/deviceid"
)

// tokenVersion numbers the current plaintext layout (uaid || chid ||
// optional vapid key hash); it is not written into the token itself.
const tokenVersion = 1

var errMalformedToken = errors.New("publish: malformed endpoint token")

// Keyring is the rotating symmetric-key set endpoint tokens are sealed
// under: index 0 is primary for writes (Seal always uses it); Open tries
// every key in order so a previously-issued token stays valid across a key
// rotation: all configured keys are accepted for reads, only the primary
// one is used for writes.
// Keys are compared only by trying each AEAD in turn, never by identity.
type Keyring struct {
	aeads []cipher.AEAD
}

// NewKeyring builds a Keyring from raw 32-byte AES-256 keys, primary key
// first.
func NewKeyring(keys [][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("publish: keyring requires at least one key")
	}
	kr := &Keyring{aeads: make([]cipher.AEAD, 0, len(keys))}
	for _, k := range keys {
		block, err := aes.NewCipher(k)
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		kr.aeads = append(kr.aeads, gcm)
	}
	return kr, nil
}

// EndpointToken is the decoded plaintext of an endpoint URL token:
// uaid || chid || optional vapid public key hash.
type EndpointToken struct {
	UAID        deviceid.ID
	ChannelID   deviceid.ID
	VAPIDPubKeyHash []byte // nil if the subscription was not bound to VAPID
}

// Seal encrypts t under the primary (index 0) key and returns the URL-safe,
// unpadded base64 TOKEN segment of the endpoint URL.
func (kr *Keyring) Seal(t EndpointToken) (string, error) {
	plain := make([]byte, 0, 32+len(t.VAPIDPubKeyHash))
	plain = append(plain, t.UAID.Bytes()...)
	plain = append(plain, t.ChannelID.Bytes()...)
	plain = append(plain, t.VAPIDPubKeyHash...)

	aead := kr.aeads[0]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts token against every key in the ring in turn, returning the
// first successful decode. A malformed token (bad base64, too short, AEAD
// failure on every key, or a plaintext length that isn't 32 or 64 bytes)
// fails with errMalformedToken, the condition the Publisher maps to 404.
func (kr *Keyring) Open(token string) (EndpointToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return EndpointToken{}, errMalformedToken
	}

	var lastErr error = errMalformedToken
	for _, aead := range kr.aeads {
		if len(raw) < aead.NonceSize() {
			continue
		}
		nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
		plain, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			lastErr = errMalformedToken
			continue
		}
		return decodePlaintext(plain)
	}
	return EndpointToken{}, lastErr
}

func decodePlaintext(plain []byte) (EndpointToken, error) {
	if len(plain) != 32 && len(plain) != 64 {
		return EndpointToken{}, errMalformedToken
	}
	uaid, err := deviceid.FromBytes(plain[0:16])
	if err != nil {
		return EndpointToken{}, errMalformedToken
	}
	chid, err := deviceid.FromBytes(plain[16:32])
	if err != nil {
		return EndpointToken{}, errMalformedToken
	}
	t := EndpointToken{UAID: uaid, ChannelID: chid}
	if len(plain) == 64 {
		t.VAPIDPubKeyHash = append([]byte(nil), plain[32:64]...)
	}
	return t, nil
}
