package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cardspace_rt/server/common/log"
	"cardspace_rt/server/common/transport/httpresp"
	"cardspace_rt/server/relay/service"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Authorizer decides whether a request may attach to room.
type Authorizer func(r *http.Request, room string) bool

func AllowAll(*http.Request, string) bool { return true }

type Handler struct {
	ctx       context.Context
	hub       *service.Hub
	authorize Authorizer
	queueSize int
	seq       atomic.Uint64
	upgrader  websocket.Upgrader
}

func NewHandler(ctx context.Context, hub *service.Hub, authorize Authorizer, queueSize int) *Handler {
	if authorize == nil {
		authorize = AllowAll
	}
	return &Handler{
		ctx:       ctx,
		hub:       hub,
		authorize: authorize,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/*room", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusOK, "okay")
		return
	}
	room := strings.TrimPrefix(c.Param("room"), "/")
	if room == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrRoomRequired))
		return
	}
	if !h.authorize(c.Request, room) {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("event=relay_ws action=upgrade status=failed room=%s remote=%s error=%v", room, c.ClientIP(), err)
		return
	}
	peer := service.NewPeer(peerID(c.ClientIP(), h.seq.Add(1)), h.queueSize)
	log.Infof("event=relay_ws action=connect status=ok room=%s peer_id=%s", room, peer.ID())

	h.hub.Join(room, peer)
	go h.writeLoop(ws, peer)
	h.readLoop(ws, room, peer)

	peer.Kill()
	h.hub.Leave(room, peer)
	log.Infof("event=relay_ws action=disconnect status=ok room=%s peer_id=%s", room, peer.ID())
}

func (h *Handler) readLoop(ws *websocket.Conn, room string, peer *service.Peer) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("event=relay_ws action=read status=failed peer_id=%s error=%v", peer.ID(), err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		h.hub.Receive(room, peer, frame)
	}
}

func (h *Handler) writeLoop(ws *websocket.Conn, peer *service.Peer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case frame := <-peer.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Debugf("event=relay_ws action=write status=failed peer_id=%s error=%v", peer.ID(), err)
				peer.Kill()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				peer.Kill()
				return
			}
		case <-peer.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-h.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeWait))
			peer.Kill()
			return
		}
	}
}

func peerID(remote string, seq uint64) string {
	return remote + "#" + strconv.FormatUint(seq, 10)
}
