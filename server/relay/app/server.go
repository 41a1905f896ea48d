package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"cardspace_rt/server/common/config"
	"cardspace_rt/server/common/log"
	"cardspace_rt/server/common/middleware"
	"cardspace_rt/server/relay/api"
	"cardspace_rt/server/relay/service"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
}

// NewServer builds the relay. authorize may be nil to accept every room.
func NewServer(ctx context.Context, cfg config.RelayConfig, authorize api.Authorizer) *Server {
	hub := service.NewHub(cfg.GC)
	h := api.NewHandler(ctx, hub, authorize, cfg.QueueSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recover("yrelay"), middleware.RequestLog("yrelay"))
	h.RegisterRoutes(r)

	log.Infof("event=relay_server action=init status=ok gc=%t queue_size=%d", cfg.GC, cfg.QueueSize)
	return &Server{
		Hub: hub,
		HTTPServer: &http.Server{
			Addr:              cfg.HTTPAddress,
			Handler:           r,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}
}

func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("event=relay_server action=listen status=ok address=%s", s.HTTPServer.Addr)
		if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run relay http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rooms, peers := s.Hub.Stats()
		log.Infof("event=relay_server action=shutdown status=ok rooms=%d peers=%d", rooms, peers)
		return s.HTTPServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
