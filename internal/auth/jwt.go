package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/participant-hub/identity/internal/models"
)

// Claims scope a token to one organization. ActorType is "user" for people
// and "integration" for connector service tokens.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	OrgID     uuid.UUID `json:"org_id"`
	Role      string    `json:"role"`
	ActorType string    `json:"actor_type,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns who the token acts as. Tokens without an actor type are users.
func (c *Claims) Actor() models.Actor {
	id := c.UserID
	t := c.ActorType
	if t == "" {
		t = models.ActorUser
	}
	return models.Actor{ID: &id, Type: t}
}

// GenerateJWT signs claims with the given lifetime. expiration <= 0 means 24h.
func GenerateJWT(secret string, claims Claims, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    "participant-identity",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.OrgID == uuid.Nil {
		return nil, fmt.Errorf("token is not scoped to an organization")
	}
	if claims.ActorType != "" && claims.ActorType != models.ActorUser && claims.ActorType != models.ActorIntegration {
		return nil, fmt.Errorf("invalid actor type %q", claims.ActorType)
	}
	return claims, nil
}
