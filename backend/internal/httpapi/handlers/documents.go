package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docsync/backend/internal/archive"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/model"
)

// ArchiveReader reads archived snapshots; nil when no archive is configured.
type ArchiveReader interface {
	Latest(ctx context.Context, docID string) (*archive.DocumentArchive, error)
}

type Documents struct {
	engine  *collab.Engine
	archive ArchiveReader
}

func NewDocuments(engine *collab.Engine, archive ArchiveReader) *Documents {
	return &Documents{engine: engine, archive: archive}
}

// GetDocument returns the live state, loading the document like any access.
func (h *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("docID")
	if !model.ValidDocumentID(docID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing or too long"})
		return
	}
	c.JSON(http.StatusOK, h.engine.Snapshot(c.Request.Context(), docID))
}

// GetArchive returns the newest archived version of an evicted document.
func (h *Documents) GetArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	docID := c.Param("docID")
	row, err := h.archive.Latest(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not archived"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": row.DocID,
		"version":    row.Version,
		"content":    row.Content,
		"archivedAt": row.ArchivedAt.Format(time.RFC3339),
	})
}

func (h *Documents) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":    "ok",
		"instanceId": h.engine.InstanceID(),
		"documents":  h.engine.Cache().Len(),
	})
}
