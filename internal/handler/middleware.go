package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/kurv/internal/identity"
)

const (
	sessionCookieName = "kurv_session"
	userIDHeader      = "X-User-ID"
)

// Identity stamps the caller's identifiers onto the request context.
// An authenticated principal arrives via the X-User-ID header (set by the
// auth proxy in front of this service); guests get a session cookie minted
// on first contact.
func Identity(secure bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if userID := c.Request().Header.Get(userIDHeader); userID != "" {
				ctx = identity.WithUserID(ctx, userID)
			}

			sessionID := readSessionCookie(c)
			if sessionID == "" {
				sessionID = uuid.NewString()
				writeSessionCookie(c, sessionID, secure)
			}
			ctx = identity.WithSessionID(ctx, sessionID)

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func readSessionCookie(c echo.Context) string {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func writeSessionCookie(c echo.Context, sessionID string, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
