package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"ridedispatch/internal/dispatch"
)

// Claims carried by tokens from the external identity provider.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens whose subject is the user id.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (dispatch.Identity, bool) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return dispatch.Identity{}, false
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return dispatch.Identity{}, false
	}
	role := dispatch.IdentityRole(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return dispatch.Identity{}, false
	}
	ident := dispatch.Identity{ID: claims.Subject, Role: role}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		ident.ExpiresAt = &exp
	}
	return ident, true
}

// Issue signs a token; used by the seed tool and tests.
func (v *JWTVerifier) Issue(id string, role dispatch.IdentityRole, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
