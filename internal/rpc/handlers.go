// Package rpc wires the caller-facing operations in spec.md §6.1 to thin
// Gin handlers: validate input shape, call into internal/submission and
// internal/store, map apperr.Kind to a status code per spec.md §7's
// propagation policy, and invalidate the read cache on every write. It
// owns no pipeline logic.
package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/cache"
	"github.com/acamarata/grillmaster/internal/store"
	"github.com/acamarata/grillmaster/internal/submission"
)

// Handler holds every dependency the RPC surface calls into.
type Handler struct {
	store      *store.Store
	submission *submission.Service
	cache      *cache.Cache
	log        *logrus.Logger
}

// New builds a Handler.
func New(st *store.Store, sub *submission.Service, c *cache.Cache, log *logrus.Logger) *Handler {
	return &Handler{store: st, submission: sub, cache: c, log: log}
}

// RegisterRoutes mounts every operation from spec.md §6.1 on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api/v1")
	{
		api.POST("/projects", h.submitProject)
		api.GET("/projects", h.listProjects)
		api.GET("/projects/:projectId", h.projectByID)
		api.DELETE("/projects/:projectId", h.deleteProject)
		api.POST("/projects/:projectId/watch-progress", h.upsertWatchProgress)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:taskId", h.taskByID)
		api.POST("/tasks/:taskId/retry", h.retryTask)
		api.POST("/tasks/:taskId/cancel", h.cancelTask)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type submitProjectRequest struct {
	SourceOrURL     string  `json:"sourceOrUrl" binding:"required"`
	TranslationHint *string `json:"translationHint"`
}

func (h *Handler) submitProject(c *gin.Context) {
	var req submitProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("%s", err.Error()))
		return
	}

	result, err := h.submission.Submit(req.SourceOrURL, req.TranslationHint)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.cache.InvalidateAll(c.Request.Context(), result.ProjectID)
	c.JSON(http.StatusOK, gin.H{
		"projectId": result.ProjectID,
		"taskId":    result.TaskID,
		"status":    result.Status,
	})
}

func (h *Handler) listProjects(c *gin.Context) {
	var projects []*store.Project
	key := cache.PrefixProjectList + ":all"
	err := h.cache.GetOrSet(c.Request.Context(), key, &projects, cache.TTLProjectList, func() (interface{}, error) {
		return h.store.ListProjects(0)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": projects})
}

type projectDetail struct {
	Project *store.Project `json:"project"`
	Tasks   []*store.Task  `json:"tasks"`
}

func (h *Handler) projectByID(c *gin.Context) {
	projectID := c.Param("projectId")
	key := cache.PrefixProjectDetail + ":" + projectID

	var detail projectDetail
	err := h.cache.GetOrSet(c.Request.Context(), key, &detail, cache.TTLProjectDetail, func() (interface{}, error) {
		project, tasks, err := h.store.GetProjectByID(projectID)
		if err != nil {
			return nil, err
		}
		return projectDetail{Project: project, Tasks: tasks}, nil
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": detail.Project, "tasks": detail.Tasks})
}

func (h *Handler) deleteProject(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.store.DeleteProject(projectID); err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll(c.Request.Context(), projectID)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type watchProgressRequest struct {
	ViewerID    string  `json:"viewerId" binding:"required"`
	PositionSec float64 `json:"positionSec"`
	DurationSec float64 `json:"durationSec" binding:"required"`
}

func (h *Handler) upsertWatchProgress(c *gin.Context) {
	projectID := c.Param("projectId")
	var req watchProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("%s", err.Error()))
		return
	}
	if req.PositionSec < 0 {
		h.writeError(c, apperr.Validation("positionSec must be >= 0"))
		return
	}
	if req.DurationSec <= 0 {
		h.writeError(c, apperr.Validation("durationSec must be > 0"))
		return
	}

	if err := h.store.UpsertWatchProgress(projectID, req.ViewerID, req.PositionSec, req.DurationSec); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) listTasks(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			h.writeError(c, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	key := fmt.Sprintf("%s:%d", cache.PrefixTaskList, limit)
	var tasks []*store.Task
	err := h.cache.GetOrSet(c.Request.Context(), key, &tasks, cache.TTLTaskList, func() (interface{}, error) {
		return h.store.ListTasks(limit)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks})
}

func (h *Handler) taskByID(c *gin.Context) {
	taskID := c.Param("taskId")
	task, events, err := h.store.GetTaskByID(taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "events": events})
}

func (h *Handler) retryTask(c *gin.Context) {
	taskID := c.Param("taskId")
	result, err := h.submission.Retry(taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll(c.Request.Context(), result.ProjectID)
	c.JSON(http.StatusOK, gin.H{"taskId": result.TaskID, "projectId": result.ProjectID})
}

func (h *Handler) cancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	status, err := h.store.RequestTaskCancel(taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll(c.Request.Context(), "")
	c.JSON(http.StatusOK, gin.H{"taskId": taskID, "status": status})
}

// writeError maps an apperr.Kind to its RPC status code per spec.md §7's
// propagation policy: Validation→400, Conflict→409, NotFound→404,
// everything else→500 with the message preserved.
func (h *Handler) writeError(c *gin.Context, err error) {
	var ae *apperr.Error
	status := http.StatusInternalServerError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindValidation:
			status = http.StatusBadRequest
		case apperr.KindConflict:
			status = http.StatusConflict
		case apperr.KindNotFound:
			status = http.StatusNotFound
		}
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("rpc: internal error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
