package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/docquery/docquery/internal/ingest"
	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/search"
	"github.com/docquery/docquery/internal/store"
)

type DocumentsHandler struct {
	Store          *store.Store
	Processor      *ingest.Processor
	Registry       *ingest.Registry
	MaxUploadBytes int64
	Logger         *log.Logger
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
}

// upload accepts a multipart file, records the document and processes it
// synchronously: the response carries the final ingestion status.
func (h *DocumentsHandler) upload(c echo.Context) error {
	principal := runtime.PrincipalFromEcho(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field required")
	}
	if h.MaxUploadBytes > 0 && fh.Size > h.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	if !h.Registry.Supported(fh.Filename) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported document type")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	ctx := c.Request().Context()
	docID, err := h.Store.CreateDocument(ctx, principal.ID, fh.Filename, fh.Header.Get("Content-Type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := h.Processor.IngestDocument(ctx, docID, principal.ID, fh.Filename, src); err != nil {
		h.Logger.Printf("ingest document %d failed: %v", docID, err)
		return c.JSON(http.StatusUnprocessableEntity, UploadResponse{DocumentID: docID, Status: store.DocumentStatusFailed})
	}
	return c.JSON(http.StatusCreated, UploadResponse{DocumentID: docID, Status: store.DocumentStatusCompleted})
}

func (h *DocumentsHandler) list(c echo.Context) error {
	principal := runtime.PrincipalFromEcho(c)
	docs, err := h.Store.ListDocuments(c.Request().Context(), principal.ID, principal.Admin)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]DocumentResponse, len(docs))
	for i, d := range docs {
		out[i] = toDocumentResponse(d)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *DocumentsHandler) get(c echo.Context) error {
	doc, _, err := h.visibleDocument(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toDocumentResponse(doc))
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	doc, principal, err := h.visibleDocument(c)
	if err != nil {
		return err
	}
	if err := h.Processor.DeleteDocument(c.Request().Context(), doc.ID, doc.OwnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Logger.Printf("document %d deleted by principal %d", doc.ID, principal.ID)
	return c.NoContent(http.StatusNoContent)
}

// visibleDocument loads the :id document and enforces ownership. Foreign
// documents 404 rather than 403 so ids don't leak.
func (h *DocumentsHandler) visibleDocument(c echo.Context) (store.Document, search.Principal, error) {
	principal := runtime.PrincipalFromEcho(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return store.Document{}, principal, echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	doc, err := h.Store.GetDocument(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, principal, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return store.Document{}, principal, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !principal.Admin && doc.OwnerID != principal.ID {
		return store.Document{}, principal, echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return doc, principal, nil
}

func toDocumentResponse(d store.Document) DocumentResponse {
	return DocumentResponse{
		ID:          d.ID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Status:      d.Status,
		Error:       d.Error,
		ChunkCount:  d.ChunkCount,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
