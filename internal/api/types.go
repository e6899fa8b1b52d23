package api

// envelope is the common response wrapper. Data is decoded into the
// caller-provided value.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

// TokenPair is the result of a successful refresh. RefreshToken is empty when
// the server did not rotate the refresh credential.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// refreshRequest is the body of POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}
