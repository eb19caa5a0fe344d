package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"codecanvas/internal/auth"
	"codecanvas/internal/collab"
	"codecanvas/internal/history"
	"codecanvas/internal/models"
	"codecanvas/internal/transport"
)

// Handler wires HTTP routes to the version store and the collaboration layer.
type Handler struct {
	store    *history.Store
	auth     *auth.Service
	collab   *collab.Manager
	channels transport.Factory
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(store *history.Store, authService *auth.Service, channels transport.Factory) *Handler {
	return &Handler{
		store:    store,
		auth:     authService,
		collab:   collab.NewManager(store, channels),
		channels: channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The editor frontend is served from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.GET("/projects/:id", h.getProject)
	api.POST("/projects", h.createProject)
	api.GET("/projects/:id/history", h.getHistory)
	api.POST("/projects/:id/versions", h.saveVersion)
	api.POST("/projects/:id/versions/:version_id/restore", h.restoreVersion)
	api.GET("/projects/:id/collab", h.collabSocket)
}

func (h *Handler) authorizedUser(c *gin.Context) (models.CollabUser, bool) {
	user, ok := auth.UserFromContext(c)
	if !ok || user.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return models.CollabUser{}, false
	}
	return user, true
}

type createProjectRequest struct {
	Name        string `json:"name"`
	HTMLContent string `json:"html_content"`
	CSSContent  string `json:"css_content"`
}

func (h *Handler) createProject(c *gin.Context) {
	if _, ok := h.authorizedUser(c); !ok {
		return
	}
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	project := &models.Project{
		Name:        req.Name,
		HTMLContent: req.HTMLContent,
		CSSContent:  req.CSSContent,
	}
	if err := h.store.CreateProject(c.Request.Context(), project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create project"})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) getProject(c *gin.Context) {
	if _, ok := h.authorizedUser(c); !ok {
		return
	}
	project, err := h.store.Project(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load project"})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) getHistory(c *gin.Context) {
	if _, ok := h.authorizedUser(c); !ok {
		return
	}
	entries, err := h.store.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load history"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type saveVersionRequest struct {
	Content string             `json:"content"`
	Kind    models.ContentKind `json:"kind"`
}

func (h *Handler) saveVersion(c *gin.Context) {
	user, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req saveVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be html or css"})
		return
	}
	entry, err := h.store.Commit(c.Request.Context(), c.Param("id"), user, req.Content, req.Kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save version"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) restoreVersion(c *gin.Context) {
	user, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	projectID := c.Param("id")
	entry, err := h.store.Restore(c.Request.Context(), projectID, c.Param("version_id"))
	if err != nil {
		switch {
		case errors.Is(err, history.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
		case errors.Is(err, history.ErrProjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not restore version"})
		}
		return
	}

	// Best-effort notification so attached sessions refresh their view; the
	// restore already succeeded.
	notifyRestore(c.Request.Context(), h.channels.Channel(projectID, user.ID), entry)
	c.JSON(http.StatusOK, entry)
}
