package seedless

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Issuer is the iss claim of every token.
const Issuer = "signet"

// Auth signs short-lived JWTs for the signing service.
//
// Every request carries a bearer token bound to its method and path. Requests
// that produce signatures also carry a wallet token whose reqHash claim binds
// the token to the exact request body.
//
// Auth is immutable after construction and safe for concurrent use.
type Auth struct {
	keyName string
	host    string
	key     interface{}
	alg     jose.SignatureAlgorithm
}

// Claims is the JWT payload.
type Claims struct {
	*jwt.Claims
	// URI is "{METHOD} {host}{path}".
	URI string `json:"uri"`
	// ReqHash is the hex SHA-256 of the request body.
	ReqHash string `json:"reqHash,omitempty"`
}

// NewAuth parses a PEM-encoded ECDSA (SEC 1 or PKCS #8) or Ed25519 (PKCS #8)
// private key. host is the audience written into the uri claim.
func NewAuth(keyName, keySecret, host string) (*Auth, error) {
	if keyName == "" {
		return nil, fmt.Errorf("key name must not be empty")
	}

	block, _ := pem.Decode([]byte(keySecret))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block: invalid PEM format")
	}

	var key interface{}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	a := &Auth{keyName: keyName, host: host, key: key}
	switch key.(type) {
	case *ecdsa.PrivateKey:
		a.alg = jose.ES256
	case crypto.Signer:
		a.alg = jose.EdDSA
	default:
		return nil, fmt.Errorf("unsupported private key type: must be ECDSA or Ed25519")
	}
	return a, nil
}

// BearerToken returns a token valid for two minutes.
func (a *Auth) BearerToken(method, path string) (string, error) {
	return a.token(method, path, nil, 2*time.Minute)
}

// WalletToken returns a token valid for one minute, bound to body.
func (a *Auth) WalletToken(method, path string, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	return a.token(method, path, sum[:], time.Minute)
}

func (a *Auth) token(method, path string, bodyHash []byte, ttl time.Duration) (string, error) {
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: a.alg, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyName),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		Claims: &jwt.Claims{
			Subject:   a.keyName,
			Issuer:    Issuer,
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		},
		URI: fmt.Sprintf("%s %s%s", method, a.host, path),
	}
	if len(bodyHash) > 0 {
		claims.ReqHash = hex.EncodeToString(bodyHash)
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}
