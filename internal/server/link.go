package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/linking"
	"github.com/zulandar/switchboard/internal/routing"
	"go.uber.org/zap"
)

const signedInPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body><p>You are signed in. You can close this window and return to the chat.</p></body></html>
`

// handleSignInCallback is where the login service sends the customer back
// to. It carries the state from the sign-in link, the customer id and the
// signature over both. Customers reach it from their browser, so it sits
// outside the operator API.
func (s *Server) handleSignInCallback(c *gin.Context) {
	customerID := c.Query("customer_id")
	if customerID == "" {
		c.String(http.StatusBadRequest, "missing customer_id")
		return
	}
	conv, err := s.ops.CompleteSignIn(c.Request.Context(), c.Param("state"), customerID, c.Query("sig"))
	switch {
	case err == nil:
		s.logger.Info("sign-in completed", zap.Uint("conversation_id", conv.ID))
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(signedInPage))
	case errors.Is(err, linking.ErrBadSignature):
		c.String(http.StatusForbidden, "invalid signature")
	case errors.Is(err, linking.ErrStateNotFound), errors.Is(err, linking.ErrStateExpired):
		c.String(http.StatusBadRequest, "this sign-in link has expired, please ask for a new one")
	case errors.Is(err, routing.ErrSignInDisabled), routing.NotFound(err):
		c.String(http.StatusNotFound, "not found")
	default:
		s.logger.Error("sign-in callback", zap.Error(err))
		c.String(http.StatusInternalServerError, "internal error")
	}
}
