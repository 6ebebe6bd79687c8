package secretary

type Secretary interface {
	NewToken() (string, string, error)
	GetTokenForClient(clientID string) (string, error)
	ValidateToken(accessToken string) (string, error)
}
