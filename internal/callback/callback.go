// Package callback carries due completions from the dispatcher to the API.
// Each request body is signed with a short-lived HS256 JWT whose "body" claim
// pins the SHA-256 of the payload, so a token cannot be replayed with a
// different order.
package callback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	SignatureHeader = "X-Callback-Signature"
	Path            = "/api/orders/complete"

	issuer     = "pos-completion-worker"
	defaultTTL = 5 * time.Minute
)

var (
	ErrBadSignature = errors.New("invalid callback signature")
	ErrBadPayload   = errors.New("invalid callback payload")
)

type Payload struct {
	OrderID string `json:"order_id"`
	BotID   string `json:"bot_id"`
	// StartedAt is the processing start (unix ms) of the attempt the
	// callback was scheduled for.
	StartedAt int64 `json:"started_at"`
}

func (p Payload) Started() time.Time { return time.UnixMilli(p.StartedAt).UTC() }

// Decode parses and validates a payload body.
func Decode(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, errors.Wrap(ErrBadPayload, err.Error())
	}
	if p.OrderID == "" || p.BotID == "" || p.StartedAt <= 0 {
		return Payload{}, errors.Wrap(ErrBadPayload, "order_id, bot_id and started_at are required")
	}
	return p, nil
}

type claims struct {
	BodyHash string `json:"body"`
	jwt.RegisteredClaims
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), ttl: defaultTTL, now: time.Now}
}

// Sign returns a token bound to body. subject is the order id.
func (s *Signer) Sign(body []byte, subject string) (string, error) {
	now := s.now()
	c := claims{
		BodyHash: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
}

// Verifier accepts tokens signed with the current key or, during rotation,
// the next one.
type Verifier struct {
	keys [][]byte
}

func NewVerifier(current, next string) *Verifier {
	v := &Verifier{}
	for _, k := range []string{current, next} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

func (v *Verifier) Configured() bool { return len(v.keys) > 0 }

// Verify checks token against body. Any failure is ErrBadSignature.
func (v *Verifier) Verify(token string, body []byte) error {
	if token == "" {
		return errors.Wrap(ErrBadSignature, "missing token")
	}
	want := bodyHash(body)
	var lastErr error
	for _, key := range v.keys {
		var c claims
		_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
			return key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			lastErr = err
			continue
		}
		if c.BodyHash != want {
			return errors.Wrap(ErrBadSignature, "body mismatch")
		}
		return nil
	}
	if lastErr == nil {
		return errors.Wrap(ErrBadSignature, "no signing key configured")
	}
	return errors.Wrap(ErrBadSignature, lastErr.Error())
}
