package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonauth "cardspace_rt/server/common/auth"
	"cardspace_rt/server/common/log"
	"cardspace_rt/server/common/middleware"
	"cardspace_rt/server/common/transport/httpresp"
	"cardspace_rt/server/presence/domain"
	"cardspace_rt/server/presence/service"
)

type Handler struct {
	ctx          context.Context
	router       *service.Router
	polls        *service.PollManager
	auth         *commonauth.Service
	authRequired bool
	upgrader     websocket.Upgrader
}

// NewHandler wires the transport endpoints to router. Connections live until
// ctx is done or their transport closes. auth may be nil when no secret is
// configured.
func NewHandler(ctx context.Context, router *service.Router, polls *service.PollManager, auth *commonauth.Service, authRequired bool, allowedOrigins []string) *Handler {
	return &Handler{
		ctx:          ctx,
		router:       router,
		polls:        polls,
		auth:         auth,
		authRequired: authRequired,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpresp.NewStatusResponse("ok"))
	})

	socket := r.Group("/socket")
	socket.Use(h.handshakeAuth())
	{
		socket.GET("", h.handleWS)
		socket.POST("/poll", h.openPoll)
	}
	r.GET("/socket/poll/:sid", h.drainPoll)
	r.POST("/socket/poll/:sid", h.pushPoll)
	r.DELETE("/socket/poll/:sid", h.closePoll)

	api := r.Group("/api/v1")
	if h.auth != nil {
		api.Use(middleware.AuthRequired(h.auth))
	}
	{
		api.GET("/workspaces/:id/presence", h.workspacePresence)
		api.GET("/workspaces/:id/notes/:noteId/presence", h.notePresence)
		api.GET("/stats", h.stats)
	}
}

func (h *Handler) handshakeAuth() gin.HandlerFunc {
	if h.auth == nil {
		return middleware.OptionalAuth(nil, false)
	}
	return middleware.OptionalAuth(h.auth, h.authRequired)
}

func (h *Handler) handleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("event=realtime_ws action=upgrade status=failed remote=%s error=%v", c.ClientIP(), err)
		return
	}
	conn := h.newConnection(c, service.NewWebsocketTransport(ws))
	log.Infof("event=realtime_ws action=connect status=ok conn_id=%s remote=%s", conn.ID(), c.ClientIP())
	if err := conn.Handle(h.ctx); err != nil {
		log.Debugf("event=realtime_ws action=disconnect status=failed conn_id=%s error=%v", conn.ID(), err)
		return
	}
	log.Debugf("event=realtime_ws action=disconnect status=ok conn_id=%s", conn.ID())
}

func (h *Handler) openPoll(c *gin.Context) {
	session := h.polls.Open()
	conn := h.newConnectionWithID(c, session.ID(), session)
	go func() {
		if err := conn.Handle(h.ctx); err != nil {
			log.Debugf("event=realtime_poll action=disconnect status=failed conn_id=%s error=%v", conn.ID(), err)
		}
	}()
	log.Infof("event=realtime_poll action=open status=ok conn_id=%s remote=%s", conn.ID(), c.ClientIP())
	c.JSON(http.StatusCreated, httpresp.NewSessionResponse(session.ID()))
}

func (h *Handler) drainPoll(c *gin.Context) {
	session, err := h.polls.Get(c.Param("sid"))
	if err != nil {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrSessionNotFound))
		return
	}
	frames, err := session.Drain(c.Request.Context(), h.polls.Wait())
	if errors.Is(err, service.ErrTransportClosed) {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrSessionNotFound))
		return
	}
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, frames)
}

func (h *Handler) pushPoll(c *gin.Context) {
	session, err := h.polls.Get(c.Param("sid"))
	if err != nil {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrSessionNotFound))
		return
	}
	var frames []domain.Frame
	if err := c.ShouldBindJSON(&frames); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrInvalidFrames))
		return
	}
	if err := session.Push(frames); err != nil {
		status := http.StatusTooManyRequests
		if errors.Is(err, service.ErrTransportClosed) {
			status = http.StatusNotFound
		}
		c.JSON(status, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) closePoll(c *gin.Context) {
	if err := h.polls.Close(c.Param("sid")); err != nil {
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrSessionNotFound))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) workspacePresence(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("id"))
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrWorkspaceRequired))
		return
	}
	c.JSON(http.StatusOK, h.router.WorkspacePresence(workspaceID))
}

func (h *Handler) notePresence(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("id"))
	noteID := strings.TrimSpace(c.Param("noteId"))
	if workspaceID == "" || noteID == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrNoteRequired))
		return
	}
	c.JSON(http.StatusOK, h.router.NotePresence(workspaceID, noteID))
}

func (h *Handler) stats(c *gin.Context) {
	stats := h.router.Stats()
	stats.PollSessions = h.polls.Len()
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) newConnection(c *gin.Context, transport service.Transport) *service.Connection {
	return h.newConnectionWithID(c, uuid.NewString(), transport)
}

func (h *Handler) newConnectionWithID(c *gin.Context, id string, transport service.Transport) *service.Connection {
	conn := service.NewConnection(id, transport, h.router)
	if identity, ok := middleware.IdentityFrom(c); ok {
		conn.SetIdentity(identity, true)
	}
	h.router.Attach(conn)
	return conn
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := map[string]struct{}{}
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
