package server

import (
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/search"
	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/provider"
)

type QueryHandler struct {
	Engine       *search.Engine
	Store        *store.Store
	Completer    provider.Completer
	DefaultAlpha float64
	Logger       *log.Logger
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("/query", h.query)
	g.POST("/rag/answer", h.answer)
}

func (h *QueryHandler) query(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	principal := runtime.PrincipalFromEcho(c)

	started := time.Now()
	resp, err := h.Engine.Search(c.Request().Context(), h.toSearchRequest(req), principal)
	if err != nil {
		return searchError(err)
	}

	if err := h.Store.LogQuery(c.Request().Context(), principal.ID, req.Query, resp.Mode, len(resp.Results), time.Since(started), resp.FromCache); err != nil {
		h.Logger.Printf("warn: log query: %v", err)
	}
	return c.JSON(http.StatusOK, resp)
}

// answer retrieves context hybrid-first and asks the completion model for a
// grounded answer citing the retrieved chunks.
func (h *QueryHandler) answer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	principal := runtime.PrincipalFromEcho(c)

	searchReq := h.toSearchRequest(QueryRequest{Query: req.Question, K: req.K, Mode: search.ModeHybrid, Alpha: req.Alpha})
	resp, err := h.Engine.Search(c.Request().Context(), searchReq, principal)
	if err != nil {
		return searchError(err)
	}
	if len(resp.Results) == 0 {
		return c.JSON(http.StatusOK, AnswerResponse{Answer: "No relevant documents found.", Sources: []search.Result{}})
	}

	passages := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		passages[i] = r.Content
	}
	answer, err := h.Completer.Answer(c.Request().Context(), req.Question, passages)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "answer generation failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, AnswerResponse{Answer: answer, Sources: resp.Results})
}

func (h *QueryHandler) toSearchRequest(req QueryRequest) search.Request {
	alpha := h.DefaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	return search.Request{
		Query: req.Query,
		K:     req.K,
		Mode:  req.Mode,
		Alpha: alpha,
	}
}

func searchError(err error) error {
	switch err {
	case search.ErrEmptyQuery, search.ErrBadMode:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
