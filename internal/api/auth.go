package api

import (
	"context"
	"net/http"
	"strings"

	"yochat/client/internal/models"
	"yochat/client/pkg/errors"
)

// Auth logs users in and registers new accounts.
type Auth struct {
	client *Client
}

// NewAuth creates an Auth on top of c.
func NewAuth(c *Client) *Auth {
	return &Auth{client: c}
}

// Login exchanges credentials for a bearer token. On success the token is
// installed on the underlying client.
func (a *Auth) Login(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, errors.NewBadRequestError(errors.CodeBadRequest, "email and password are required")
	}

	var resp models.AuthResponse
	req := models.LoginRequest{Email: email, Password: password}
	if err := a.client.do(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return nil, err
	}
	a.client.SetToken(resp.Token)
	return &resp, nil
}

// Register creates an account and logs it in.
func (a *Auth) Register(ctx context.Context, username, email, password string) (*models.AuthResponse, error) {
	req := models.RegisterRequest{
		Username: strings.TrimSpace(username),
		Email:    strings.TrimSpace(email),
		Password: password,
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return nil, errors.NewBadRequestError(errors.CodeBadRequest, "username, email and password are required")
	}

	var resp models.AuthResponse
	if err := a.client.do(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, err
	}
	a.client.SetToken(resp.Token)
	return &resp, nil
}
