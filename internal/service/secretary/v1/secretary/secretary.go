// Package secretary provides methods for issuing and validating access tokens.
package secretary

import (
	"errors"
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelclaims"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

// Secretary defines object structure and its attributes.
type Secretary struct {
	key []byte
}

// NewSecretaryService initializes a secretary service with token signing functionality.
func NewSecretaryService(c *config.SecretConfig) (*Secretary, error) {
	if c.SecretKey == "" {
		return nil, errors.New("empty secret key was found")
	}
	return &Secretary{key: []byte(c.SecretKey)}, nil
}

func (s *Secretary) ValidateToken(accessToken string) (string, error) {
	token, err := jwt.ParseWithClaims(accessToken, &modelclaims.ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*modelclaims.ClientClaims); ok && token.Valid {
		return claims.ClientID, nil
	}
	return "", errors.New("invalid access token")
}

func (s *Secretary) NewToken() (string, string, error) {
	clientID := uuid.New().String()
	accessToken, err := s.GetTokenForClient(clientID)
	if err != nil {
		return "", "", err
	}
	return accessToken, clientID, nil
}

func (s *Secretary) GetTokenForClient(clientID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &modelclaims.ClientClaims{
		ClientID: clientID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(30 * time.Minute).Unix(),
		},
	})
	return token.SignedString(s.key)
}
