package sandbox

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidToken = errors.New("sandbox: invalid queue token")

// tokenTTL bounds how long a queue token is accepted by the sandbox.
const tokenTTL = 24 * time.Hour

// queueClaims is the payload of the queue tokens the sandbox hands out.
type queueClaims struct {
	QueueID string `json:"queue_id"`
	EventID string `json:"event_id"`
	jwt.RegisteredClaims
}

type signer struct {
	key []byte
	now func() time.Time
}

func (s signer) sign(queueID, eventID string) (string, error) {
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, queueClaims{
		QueueID: queueID,
		EventID: eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        queueID,
			Subject:   eventID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return tok.SignedString(s.key)
}

func (s signer) parse(raw string) (*queueClaims, error) {
	claims := &queueClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid || claims.QueueID == "" || claims.EventID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
