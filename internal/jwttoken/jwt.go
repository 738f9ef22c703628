package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "itroad-gateway/pkg/domain-errors"
)

// Claims represents the JWT claims the identity service embeds in access
// tokens. The subject ID lives in the registered Subject claim.
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService verifies access tokens offline. The gateway shares the signing
// secret with the identity service so a forged token is rejected without any
// network call.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewJWTService(signingKey string, issuer string, audience string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateToken signs a token carrying the subject's embedded claims. The
// gateway itself never issues tokens to callers; this exists for the identity
// service client contract and for tests.
func (s *JWTService) GenerateToken(
	subjectID string,
	email string,
	displayName string,
	role string,
	expiresIn time.Duration) (string, error) {
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:       email,
		DisplayName: displayName,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})

	signedToken, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return signedToken, nil
}

// ValidateToken checks signature and expiry locally. Expired tokens get a
// distinct error from malformed or forged ones so the guard can report the
// right rejection reason.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	if claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no subject")
	}

	return claims, nil
}
