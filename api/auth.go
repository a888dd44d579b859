package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wowowow-64/weekwise/auth"
	"github.com/wowowow-64/weekwise/domain"
)

const (
	streamPath = "/api/stream"
	// accessTokenParam carries the token for clients that cannot set
	// headers. Only the event stream accepts it.
	accessTokenParam = "token"
)

// requireUser admits a request only when its bearer token verifies and
// names the signed-in user.
func (h *handlers) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := sessionUser(c)
		if user == nil {
			return unauthorized(c)
		}
		return h.authorize(c, user, next)
	}
}

// guardSetup leaves setup open while nobody is signed in, so a fresh install
// can be configured, and otherwise behaves like requireUser.
func (h *handlers) guardSetup(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := sessionUser(c)
		if user == nil {
			return next(c)
		}
		return h.authorize(c, user, next)
	}
}

func (h *handlers) authorize(c echo.Context, user *domain.User, next echo.HandlerFunc) error {
	token, err := requestToken(c)
	if err != nil {
		return unauthorized(c)
	}
	client, err := h.manager.AuthClient()
	if err != nil {
		return h.writeFailed(c, "sign-in unavailable", err)
	}
	var caller *domain.User
	err = observe(c, "auth", func() error {
		var verifyErr error
		caller, verifyErr = client.VerifyToken(c.Request().Context(), token)
		return verifyErr
	})
	if err != nil {
		h.logger.WithError(err).WithField("route", c.Path()).Info("auth: request token rejected")
		return unauthorized(c)
	}
	if caller.ID != user.ID {
		failStage(c, "auth")
		h.logger.WithField("route", c.Path()).Warn("auth: token belongs to another user")
		return c.JSON(http.StatusForbidden, errorResponse{Error: "token does not belong to the signed-in user"})
	}
	return next(c)
}

func requestToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" && c.Path() == streamPath {
		if q := c.QueryParam(accessTokenParam); q != "" {
			header = "Bearer " + q
		}
	}
	return auth.BearerToken(header)
}

// OriginMiddleware rejects state-changing requests sent by pages of other
// origins. Requests without an Origin header do not come from a browser
// page and pass; allowed may contain "*".
func OriginMiddleware(allowed []string) echo.MiddlewareFunc {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch req.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return next(c)
			}
			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" || origin == c.Scheme()+"://"+req.Host || set[origin] || set["*"] {
				return next(c)
			}
			failStage(c, "origin")
			return c.JSON(http.StatusForbidden, errorResponse{Error: "origin not allowed"})
		}
	}
}
