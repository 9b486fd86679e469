// Package token issues and verifies the signed confirmation tokens embedded
// in lesson accept/decline links. A token is a self-contained capability: it
// carries the lesson/client/coach triple and an expiry, so no server-side
// table of pending confirmations is needed. All mutable state lives in the
// lesson row the token references.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid is returned when a token's signature does not validate,
	// the payload is malformed, or required fields are missing.
	ErrInvalid = errors.New("invalid confirmation token")
	// ErrExpired is returned when a structurally valid token is past its expiry.
	ErrExpired = errors.New("confirmation token expired")
)

// Claims is the verified content of a confirmation token.
type Claims struct {
	LessonID int64
	ClientID int64
	CoachID  int64
}

type lessonClaims struct {
	LessonID int64 `json:"lid"`
	ClientID int64 `json:"cid"`
	CoachID  int64 `json:"coid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies confirmation tokens with a single HMAC key.
type Codec struct {
	key []byte
}

// NewCodec creates a codec from the signing secret. A missing or short
// secret is a configuration fault and should abort startup.
func NewCodec(secret string) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Codec{key: []byte(secret)}, nil
}

// Issue produces a signed token binding the lesson to its client/coach pair,
// valid for ttl from now.
func (c *Codec) Issue(lessonID, clientID, coachID int64, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := lessonClaims{
		LessonID: lessonID,
		ClientID: clientID,
		CoachID:  coachID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign confirmation token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the embedded claims.
// Verification is all-or-nothing: any failure other than expiry maps to
// ErrInvalid.
func (c *Codec) Verify(tok string) (*Claims, error) {
	var claims lessonClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.LessonID <= 0 || claims.ClientID <= 0 || claims.CoachID <= 0 {
		return nil, ErrInvalid
	}

	return &Claims{
		LessonID: claims.LessonID,
		ClientID: claims.ClientID,
		CoachID:  claims.CoachID,
	}, nil
}
