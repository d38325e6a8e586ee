package publish

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	joseCrypto "github.com/SermoDigital/jose/crypto"
	"github.com/SermoDigital/jose/jws"
	"github.com/SermoDigital/jose/jwt"
)

// maxExpFuture bounds a VAPID JWT's exp claim to no more than 24h ahead
// of now, per RFC 8292.
const maxExpFuture = 24 * time.Hour

var (
	errVAPIDMalformed   = errors.New("publish: malformed vapid header")
	errVAPIDBadSig      = errors.New("publish: vapid signature verification failed")
	errVAPIDBadKeyHash  = errors.New("publish: vapid public key does not match endpoint token")
	errVAPIDBadClaims   = errors.New("publish: vapid claims rejected")
)

// vapidHeader is the parsed Authorization: vapid t=<jwt>, k=<pubkey> header.
type vapidHeader struct {
	token     string
	publicKey string // b64url, uncompressed EC point
}

// parseVAPIDHeader splits the comma-separated t=/k= parameter list of an
// "Authorization: vapid ..." header value (the scheme prefix already
// stripped by the caller).
func parseVAPIDHeader(value string) (vapidHeader, error) {
	var h vapidHeader
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			h.token = strings.TrimSpace(kv[1])
		case "k":
			h.publicKey = strings.TrimSpace(kv[1])
		}
	}
	if h.token == "" || h.publicKey == "" {
		return vapidHeader{}, errVAPIDMalformed
	}
	return h, nil
}

// decodeECPublicKey parses the uncompressed-point P-256 public key VAPID
// carries in its Crypto-Key/k parameter (0x04 || X(32) || Y(32)).
func decodeECPublicKey(b64 string) (*ecdsa.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, errVAPIDMalformed
	}
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, errVAPIDMalformed
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// hashPublicKey is the 32-byte binding value stored in the endpoint token,
// a plain SHA-256 of the raw uncompressed point bytes.
func hashPublicKey(b64 string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, errVAPIDMalformed
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// verifyVAPID parses the Authorization: vapid header, verifies exp/aud/sub,
// verifies the ES256 signature, and binds the signing key to the hash
// carried in the endpoint token. origin is the scheme+host the publish
// request was received on, matched against the JWT's aud claim.
func verifyVAPID(authorization, origin string, boundKeyHash []byte, now time.Time) error {
	const prefix = "vapid "
	if !strings.HasPrefix(strings.ToLower(authorization), prefix) {
		return errVAPIDMalformed
	}
	hdr, err := parseVAPIDHeader(authorization[len(prefix):])
	if err != nil {
		return err
	}

	if len(boundKeyHash) > 0 {
		gotHash, err := hashPublicKey(hdr.publicKey)
		if err != nil {
			return err
		}
		if !bytesEqual(gotHash, boundKeyHash) {
			return errVAPIDBadKeyHash
		}
	}

	pubKey, err := decodeECPublicKey(hdr.publicKey)
	if err != nil {
		return err
	}

	token, err := jws.ParseJWT([]byte(hdr.token))
	if err != nil {
		return errVAPIDMalformed
	}

	if err := validateVAPIDClaims(token.Claims(), origin, now); err != nil {
		return err
	}
	if err := token.Validate(pubKey, joseCrypto.SigningMethodES256); err != nil {
		return errVAPIDBadSig
	}
	return nil
}

func validateVAPIDClaims(c jwt.Claims, origin string, now time.Time) error {
	exp, ok := c.Expiration()
	if !ok {
		return errVAPIDBadClaims
	}
	if exp.Before(now) {
		return fmt.Errorf("%w: expired", errVAPIDBadClaims)
	}
	if exp.After(now.Add(maxExpFuture)) {
		return fmt.Errorf("%w: exp too far in the future", errVAPIDBadClaims)
	}

	aud, ok := c.Audience()
	if !ok || len(aud) == 0 || !containsFold(aud, origin) {
		return fmt.Errorf("%w: aud mismatch", errVAPIDBadClaims)
	}

	sub, ok := c.Subject()
	if !ok || !validVAPIDSubject(sub) {
		return fmt.Errorf("%w: sub is not a mailto: or https: URI", errVAPIDBadClaims)
	}
	return nil
}

func validVAPIDSubject(sub string) bool {
	if strings.HasPrefix(sub, "mailto:") {
		return len(sub) > len("mailto:")
	}
	u, err := url.Parse(sub)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
