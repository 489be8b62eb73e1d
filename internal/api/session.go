package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"yochat/client/internal/transcript"
	"yochat/client/pkg/jwt"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/metrics"
)

// Session resolves the identity the current token belongs to.
type Session struct {
	client *Client
	log    *logger.Logger
	now    func() time.Time
}

// NewSession creates a Session on top of c.
func NewSession(c *Client) *Session {
	return &Session{
		client: c,
		log:    c.log.With("lookup", "identity"),
		now:    time.Now,
	}
}

type meResponse struct {
	Username string `json:"username"`
}

// CurrentIdentity returns the username of the authenticated user. It never
// fails: a missing or expired token, a failed request or an empty username
// all yield the anonymous placeholder.
func (s *Session) CurrentIdentity(ctx context.Context) string {
	token := s.client.Token()
	if token == "" || jwt.Expired(token, s.now()) {
		metrics.APIFallbacks.WithLabelValues("identity").Inc()
		return transcript.AnonymousIdentity
	}

	var me meResponse
	if err := s.client.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		s.log.Warn("Identity lookup failed, continuing anonymously", "error", err.Error())
		metrics.APIFallbacks.WithLabelValues("identity").Inc()
		return transcript.AnonymousIdentity
	}

	name := strings.TrimSpace(me.Username)
	if name == "" {
		metrics.APIFallbacks.WithLabelValues("identity").Inc()
		return transcript.AnonymousIdentity
	}
	return name
}
