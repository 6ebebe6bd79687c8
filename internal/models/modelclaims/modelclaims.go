// Package modelclaims provides types for token authorization.

package modelclaims

import "github.com/golang-jwt/jwt"

type ClientClaims struct {
	ClientID string `json:"clientID"`
	jwt.StandardClaims
}
