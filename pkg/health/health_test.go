package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerReportsCriticalFailure(t *testing.T) {
	c := NewChecker(nil, time.Minute)
	healthy := true
	c.RegisterCheck("hub", true, func(context.Context) (Status, string, error) {
		if healthy {
			return StatusUp, "running", nil
		}
		return StatusDown, "stopped", errors.New("hub stopped")
	})
	c.RegisterCheck("optional", false, func(context.Context) (Status, string, error) {
		return StatusDown, "never works", nil
	})

	c.RunChecks(context.Background())
	assert.True(t, c.IsSystemHealthy())
	assert.Equal(t, StatusUp, c.GetStatus()["hub"].Status)

	healthy = false
	c.RunChecks(context.Background())
	assert.False(t, c.IsSystemHealthy())
	assert.Equal(t, "hub stopped", c.GetStatus()["hub"].Error)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewChecker(nil, time.Minute)
	c.RegisterCheck("hub", true, func(context.Context) (Status, string, error) {
		return StatusUp, "running", nil
	})

	r := gin.New()
	r.GET("/health", c.Handler())

	serve := func() *httptest.ResponseRecorder {
		req, _ := http.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// Registered but not yet checked counts as down.
	assert.Equal(t, http.StatusServiceUnavailable, serve().Code)

	c.RunChecks(context.Background())
	w := serve()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hub"`)
}
