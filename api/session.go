package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"github.com/wowowow-64/weekwise/auth"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
)

type loginRequest struct {
	IDToken string `json:"idToken"`
}

type userResponse struct {
	User *domain.User `json:"user"`
}

func (h *handlers) getLogin(c echo.Context) error {
	return c.JSON(http.StatusOK, session(c).State())
}

// postLogin signs in with an identity token taken from the body or, failing
// that, from the Authorization header.
func (h *handlers) postLogin(c echo.Context) error {
	var req loginRequest
	if c.Request().ContentLength != 0 {
		if err := decodeBody(c, &req); err != nil && !errors.Is(err, io.EOF) {
			return badRequest(c, "invalid body")
		}
	}
	token := strings.TrimSpace(req.IDToken)
	if token == "" {
		var err error
		token, err = auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return badRequest(c, "idToken is required")
		}
	}
	client, err := h.manager.AuthClient()
	if err != nil {
		return h.writeFailed(c, "sign-in unavailable", err)
	}
	var user *domain.User
	err = observe(c, "auth", func() error {
		var signErr error
		user, signErr = client.SignInWithToken(c.Request().Context(), token)
		return signErr
	})
	if err != nil {
		h.logger.WithError(err).Info("login: token rejected")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid token"})
	}
	return c.JSON(http.StatusOK, userResponse{User: user})
}

func (h *handlers) postLogout(c echo.Context) error {
	client, err := h.manager.AuthClient()
	if err != nil {
		return h.writeFailed(c, "sign-out unavailable", err)
	}
	if err := observe(c, "auth", func() error { return client.SignOut(c.Request().Context()) }); err != nil {
		return h.writeFailed(c, "sign-out failed", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setupResponse struct {
	Configured bool   `json:"configured"`
	ProjectID  string `json:"projectId,omitempty"`
	Backend    string `json:"backend"`
}

func (h *handlers) setupState() setupResponse {
	cfg, ok := backend.StoredConfig(h.prefs)
	resp := setupResponse{Backend: h.manager.State().String()}
	if ok && cfg.Usable() {
		resp.Configured = true
		resp.ProjectID = cfg.ProjectID
	}
	return resp
}

func (h *handlers) getSetup(c echo.Context) error {
	return c.JSON(http.StatusOK, h.setupState())
}

type scriptRequest struct {
	Script string `json:"script"`
}

// postSetup accepts a JSON configuration object, a {"script": ...} wrapper
// around a pasted snippet, or the snippet itself as the raw body. Saving
// the configuration resets the backend and restarts the session.
func (h *handlers) postSetup(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "invalid body")
	}
	raw := string(body)
	var wrapped scriptRequest
	if err := sonic.Unmarshal(body, &wrapped); err == nil && wrapped.Script != "" {
		raw = wrapped.Script
	}
	cfg, err := backend.ParseConfig(raw)
	if err != nil {
		return badRequest(c, "Could not read a configuration from the input.")
	}
	if !cfg.Usable() {
		return badRequest(c, "The configuration needs at least an apiKey and a projectId.")
	}
	if err := observe(c, "prefs", func() error { return backend.SaveConfig(h.prefs, cfg) }); err != nil {
		h.logger.WithError(err).Error("setup: save configuration")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not save configuration"})
	}
	return c.JSON(http.StatusOK, h.setupState())
}
