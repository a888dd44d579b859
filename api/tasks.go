package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wowowow-64/weekwise/assist"
	"github.com/wowowow-64/weekwise/domain"
)

type taskRequest struct {
	Day  domain.Day `json:"day"`
	Text string     `json:"text"`
}

type dayRequest struct {
	Day domain.Day `json:"day"`
}

type noteRequest struct {
	Content string `json:"content"`
}

type suggestResponse struct {
	Suggestion string     `json:"suggestion"`
	Day        domain.Day `json:"day"`
}

type importResponse struct {
	Imported int `json:"imported"`
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// dayParam reads a day from the query string or an optional JSON body.
func dayParam(c echo.Context) (domain.Day, bool) {
	if q := c.QueryParam("day"); q != "" {
		return domain.ParseDay(q)
	}
	var req dayRequest
	if c.Request().ContentLength == 0 || decodeBody(c, &req) != nil {
		return "", false
	}
	return domain.ParseDay(string(req.Day))
}

func (h *handlers) listTasks(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	return c.JSON(http.StatusOK, h.tasks.State())
}

func (h *handlers) addTask(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	var req taskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	day, ok := domain.ParseDay(string(req.Day))
	if !ok {
		return badRequest(c, "invalid day")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return badRequest(c, "text is required")
	}
	ctx := c.Request().Context()
	if err := observe(c, "storage", func() error { return h.tasks.AddTask(ctx, day, text) }); err != nil {
		return h.writeFailed(c, "Could not add the task.", err)
	}
	return c.NoContent(http.StatusAccepted)
}

// importLegacy moves a week kept by local-only versions into the store.
func (h *handlers) importLegacy(c echo.Context) error {
	ctx := c.Request().Context()
	var n int
	err := observe(c, "storage", func() error {
		var importErr error
		n, importErr = h.tasks.ImportLegacy(ctx, h.prefs)
		return importErr
	})
	if err != nil {
		return h.writeFailed(c, "Could not import the saved tasks.", err)
	}
	return c.JSON(http.StatusOK, importResponse{Imported: n})
}

func (h *handlers) updateTask(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	var req taskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return badRequest(c, "text is required")
	}
	ctx := c.Request().Context()
	if err := observe(c, "storage", func() error { return h.tasks.UpdateTask(ctx, req.Day, c.Param("id"), text) }); err != nil {
		return h.writeFailed(c, "Could not update the task.", err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) toggleTask(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	day, ok := dayParam(c)
	if !ok {
		return badRequest(c, "invalid day")
	}
	ctx := c.Request().Context()
	if err := observe(c, "storage", func() error { return h.tasks.ToggleTask(ctx, day, c.Param("id")) }); err != nil {
		return h.writeFailed(c, "Could not update the task.", err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) deleteTask(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	day, _ := domain.ParseDay(c.QueryParam("day"))
	ctx := c.Request().Context()
	if err := observe(c, "storage", func() error { return h.tasks.DeleteTask(ctx, day, c.Param("id")) }); err != nil {
		return h.writeFailed(c, "Could not delete the task.", err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) listNotes(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	return c.JSON(http.StatusOK, h.notes.State())
}

func (h *handlers) putNote(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	day, ok := domain.ParseDay(c.Param("day"))
	if !ok {
		return badRequest(c, "invalid day")
	}
	var req noteRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	if err := observe(c, "storage", func() error { return h.notes.UpdateNote(ctx, day, req.Content) }); err != nil {
		return h.writeFailed(c, "Could not save the note.", err)
	}
	return c.NoContent(http.StatusAccepted)
}

// suggest asks the model for tasks for a day and adds one of them.
func (h *handlers) suggest(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	var req dayRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	day, ok := domain.ParseDay(string(req.Day))
	if !ok {
		return badRequest(c, "invalid day")
	}
	ctx := c.Request().Context()
	var res assist.Result[[]string]
	if err := observe(c, "model", func() error {
		res = h.bridge.SuggestTasks(ctx, day, h.tasks.State().Corpus)
		return res.Err()
	}); err != nil {
		return c.JSON(http.StatusBadGateway, errorResponse{Error: res.Error})
	}
	suggestion, ok := h.pick(res.Data)
	if !ok {
		failStage(c, "model")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "Couldn't come up with a suggestion. Please try again."})
	}
	if err := observe(c, "storage", func() error { return h.tasks.AddTask(ctx, day, suggestion) }); err != nil {
		return h.writeFailed(c, "Could not add the task.", err)
	}
	return c.JSON(http.StatusOK, suggestResponse{Suggestion: suggestion, Day: day})
}

func (h *handlers) pick(suggestions []string) (string, bool) {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return assist.Pick(h.rng, suggestions)
}

// summary summarizes the loaded week. An empty week is answered without
// asking the model.
func (h *handlers) summary(c echo.Context) error {
	if sessionUser(c) == nil {
		return unauthorized(c)
	}
	completed, incomplete := h.tasks.State().Tasks.Partition()
	if len(completed) == 0 && len(incomplete) == 0 {
		failStage(c, "no_tasks")
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "no tasks"})
	}
	var res assist.Result[string]
	if err := observe(c, "model", func() error {
		res = h.bridge.SummarizeWeek(c.Request().Context(), completed, incomplete)
		return res.Err()
	}); err != nil {
		return c.JSON(http.StatusBadGateway, errorResponse{Error: res.Error})
	}
	return c.JSON(http.StatusOK, summaryResponse{Summary: res.Data})
}
