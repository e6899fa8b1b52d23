package api

import (
	"context"
	"errors"
	"net/http"
)

// RefreshToken exchanges a refresh credential for a new access token.
// The call is unauthenticated: the access token is usually what expired.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	err := c.call(ctx, request{
		method: http.MethodPost,
		path:   "/auth/refresh",
		body:   refreshRequest{RefreshToken: refreshToken},
	}, &pair)
	if err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, errors.New("refresh response missing access token")
	}
	return &pair, nil
}
