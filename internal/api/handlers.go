// Package api implements the Read & Export Surface's HTTP handlers plus the
// upload endpoint: status, result, media range-serving, export rendering.
// Grounded on the teacher's internal/api/handlers.go — Handler struct holding
// its collaborators, one method per route — trimmed to the five endpoints
// spec.md §6 defines; every auth-gated, CSV-batch, chat, and LLM route has no
// counterpart here.
package api

import (
	"context"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"klipnote/internal/apierr"
	"klipnote/internal/config"
	"klipnote/internal/export"
	"klipnote/internal/models"
)

// Store is the subset of the Job Store's contract the HTTP surface needs:
// reading status and committed results. Declared here, at the point of use,
// so Handler can be driven in tests against a fake without a live Redis —
// store.JobStore satisfies this interface structurally.
type Store interface {
	GetStatus(ctx context.Context, id string) (*models.Job, error)
	GetResult(ctx context.Context, id string) (*models.Transcript, error)
}

// Uploader is the subset of the Upload Pipeline's contract the HTTP surface
// needs. upload.Pipeline satisfies this interface structurally.
type Uploader interface {
	Accept(ctx context.Context, header *multipart.FileHeader, declaredContentType string) (string, error)
}

// Handler holds every collaborator the HTTP surface needs. Stateless beyond
// these references — no per-request mutable fields.
type Handler struct {
	config   *config.Config
	store    Store
	pipeline Uploader
}

func NewHandler(cfg *config.Config, jobStore Store, pipeline Uploader) *Handler {
	return &Handler{config: cfg, store: jobStore, pipeline: pipeline}
}

// HealthCheck is a liveness probe with no dependency on Redis or disk.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeAPIError maps an apierr.Kind (or an unrecognized error) onto the
// HTTP status/body pair the client sees. Fatal system errors fall through
// to a generic 500 with no internal detail, per spec.md §7.
func writeAPIError(c *gin.Context, err error) {
	if ae, ok := err.(*apierr.Error); ok {
		c.JSON(ae.Kind.HTTPStatus(), gin.H{"error": string(ae.Kind), "message": ae.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "an internal error occurred"})
}

// UploadAudio handles POST /upload.
func (h *Handler) UploadAudio(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeAPIError(c, apierr.New(apierr.KindUnsupportedFormat, "multipart field \"file\" is required"))
		return
	}

	declared := fileHeader.Header.Get("Content-Type")
	jobID, err := h.pipeline.Accept(c.Request.Context(), fileHeader, declared)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// GetStatus handles GET /status/{job_id}.
func (h *Handler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, job.ToStatusRecord())
}

// GetResult handles GET /result/{job_id}.
func (h *Handler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	if job.Status != models.StatusCompleted {
		notReady := apierr.New(apierr.KindNotReady, "job has not completed yet")
		if h.config.ResultNotReadyAs404 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_ready", "message": notReady.Message})
			return
		}
		writeAPIError(c, notReady)
		return
	}

	transcript, err := h.store.GetResult(c.Request.Context(), jobID)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"segments": transcript.Segments})
}

// GetMedia handles GET /media/{job_id}, serving the original upload with
// HTTP Range support so playback elements can seek. net/http.ServeContent
// is stdlib — justified, see SPEC_FULL.md §3: no pack example wires a
// third-party range server, and gin itself delegates byte-range handling to
// this exact stdlib call.
func (h *Handler) GetMedia(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	f, err := os.Open(job.MediaPath)
	if err != nil {
		writeAPIError(c, apierr.New(apierr.KindNotFound, "media file not found"))
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		writeAPIError(c, apierr.New(apierr.KindNotFound, "media file not found"))
		return
	}

	http.ServeContent(c.Writer, c.Request, job.MediaPath, stat.ModTime(), f)
}

// exportRequest is the POST /export/{job_id} request body: the client's
// edited segment list (models.EditedTranscript) plus the target format.
// The core never rewrites the stored original — exports render from
// whatever the client posts here, per spec.md §3.
type exportRequest struct {
	models.EditedTranscript
	Format export.Format `json:"format"`
}

// Export handles POST /export/{job_id}.
func (h *Handler) Export(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := h.store.GetStatus(c.Request.Context(), jobID); err != nil {
		writeAPIError(c, err)
		return
	}

	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, apierr.New(apierr.KindInvalidFormat, "malformed export request body"))
		return
	}

	if err := export.Validate(req.Segments); err != nil {
		writeAPIError(c, err)
		return
	}

	body, err := export.Render(req.Segments, req.Format)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	filename := "transcript-" + jobID + "." + export.FileExtension(req.Format)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, export.ContentType(req.Format), []byte(body))
}
