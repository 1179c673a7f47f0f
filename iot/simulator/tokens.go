package simulator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for bearer tokens the simulator did not issue
var ErrInvalidToken = errors.New("invalid access token")

// IssueToken returns a signed access token for userID
func (s *Simulator) IssueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.StandardClaims{
		Id:        uuid.New().String(),
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.tokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken checks an access token and returns its claims
func (s *Simulator) VerifyToken(tokenString string) (*jwt.StandardClaims, error) {
	claims := &jwt.StandardClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !claims.VerifyIssuer(s.issuer, true) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// verifyBearer checks an authorization value of the form "bearer <token>"
func (s *Simulator) verifyBearer(authorization string) (*jwt.StandardClaims, error) {
	if len(authorization) < 8 || strings.ToLower(authorization[:7]) != "bearer " {
		return nil, fmt.Errorf("%w: bearer token missing", ErrInvalidToken)
	}
	return s.VerifyToken(authorization[7:])
}
