package api

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/assist"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
	"github.com/wowowow-64/weekwise/planner"
	"github.com/wowowow-64/weekwise/prefs"
)

// Deps are the process-wide objects the routes operate on.
type Deps struct {
	Manager *backend.Manager
	Prefs   *prefs.Store
	Session *planner.Session
	Tasks   *planner.Tasks
	Notes   *planner.Notes
	Bridge  *assist.Bridge
	Logger  *log.Logger
	// Rand picks among suggestions; nil uses the global source.
	Rand *rand.Rand
	// SessionWait bounds how long GET / waits for the session to settle.
	SessionWait time.Duration
	// AllowedOrigins lists the other origins whose pages may send writes.
	AllowedOrigins []string
}

type handlers struct {
	manager *backend.Manager
	prefs   *prefs.Store
	tasks   *planner.Tasks
	notes   *planner.Notes
	bridge  *assist.Bridge
	logger  *log.Logger
	wait    time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Bridge == nil {
		d.Bridge = assist.NewBridge(nil, d.Logger)
	}
	if d.SessionWait <= 0 {
		d.SessionWait = 10 * time.Second
	}
	h := &handlers{
		manager: d.Manager,
		prefs:   d.Prefs,
		tasks:   d.Tasks,
		notes:   d.Notes,
		bridge:  d.Bridge,
		logger:  d.Logger,
		wait:    d.SessionWait,
		rng:     d.Rand,
	}

	e.Use(RequestBodyMiddleware(), MetricsMiddleware(d.Logger), OriginMiddleware(d.AllowedOrigins), sessionMiddleware(d.Session))

	e.GET("/", h.root)
	e.GET("/login", h.getLogin)
	e.POST("/login", h.postLogin)
	e.POST("/logout", h.postLogout, h.requireUser)
	e.GET("/setup", h.getSetup, h.guardSetup)
	e.POST("/setup", h.postSetup, h.guardSetup)
	e.GET("/planner", h.getPlanner, h.requireUser)

	g := e.Group("/api", h.requireUser)
	g.GET("/tasks", h.listTasks)
	g.POST("/tasks", h.addTask)
	g.POST("/tasks/import", h.importLegacy)
	g.PATCH("/tasks/:id", h.updateTask)
	g.POST("/tasks/:id/toggle", h.toggleTask)
	g.DELETE("/tasks/:id", h.deleteTask)
	g.GET("/notes", h.listNotes)
	g.PUT("/notes/:day", h.putNote)
	g.POST("/suggest", h.suggest)
	g.POST("/summary", h.summary)
	g.GET("/stream", h.stream)

	e.GET("/healthz", h.healthz)
}

func session(c echo.Context) *planner.Session {
	return planner.SessionFromContext(c.Request().Context())
}

func sessionUser(c echo.Context) *domain.User {
	return session(c).State().User
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(c echo.Context, msg string) error {
	failStage(c, "invalid_request")
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func unauthorized(c echo.Context) error {
	failStage(c, "auth")
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "not signed in"})
}

// writeFailed answers a rejected write. The view is left as the store last
// reported it.
func (h *handlers) writeFailed(c echo.Context, msg string, err error) error {
	if errors.Is(err, backend.ErrNotInitialized) {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "backend not configured"})
	}
	h.logger.WithError(err).WithField("route", c.Path()).Error(msg)
	return c.JSON(http.StatusBadGateway, errorResponse{Error: msg})
}

func (h *handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"backend": h.manager.State().String()})
}

// root sends the visitor where the session says they belong.
func (h *handlers) root(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.wait)
	defer cancel()
	st, err := session(c).Wait(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "session still loading"})
	}
	switch {
	case h.manager.State() != backend.Ready:
		return c.Redirect(http.StatusSeeOther, "/setup")
	case st.User != nil:
		return c.Redirect(http.StatusSeeOther, "/planner")
	default:
		return c.Redirect(http.StatusSeeOther, "/login")
	}
}

type plannerResponse struct {
	User  *domain.User       `json:"user"`
	Tasks planner.TasksState `json:"tasks"`
	Notes planner.NotesState `json:"notes"`
}

func (h *handlers) getPlanner(c echo.Context) error {
	user := sessionUser(c)
	if user == nil {
		return unauthorized(c)
	}
	return c.JSON(http.StatusOK, plannerResponse{
		User:  user,
		Tasks: h.tasks.State(),
		Notes: h.notes.State(),
	})
}
