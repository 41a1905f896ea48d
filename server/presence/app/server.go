package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	commonauth "cardspace_rt/server/common/auth"
	"cardspace_rt/server/common/config"
	"cardspace_rt/server/common/infra/cache"
	"cardspace_rt/server/common/infra/db"
	"cardspace_rt/server/common/infra/mq"
	"cardspace_rt/server/common/log"
	"cardspace_rt/server/common/middleware"
	"cardspace_rt/server/presence/api"
	"cardspace_rt/server/presence/service"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	HTTPServer *http.Server
	Router     *service.Router
	Polls      *service.PollManager
	Redis      *redis.Client
	Bridge     *service.RedisBridge
	MQConn     *amqp.Connection
	Exporter   *service.AMQPPublisher
	DB         *pgxpool.Pool
	Directory  *db.MemberDirectory
}

// NewServer connects the optional backends named in cfg and builds the HTTP
// surface. Connections accepted by the server live until ctx is done.
func NewServer(ctx context.Context, cfg config.PresenceConfig) (*Server, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	s := &Server{}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := service.Options{NodeID: nodeID, TypingTTL: cfg.TypingTTL}
	if cfg.RedisAddr != "" {
		s.Redis = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(initCtx, s.Redis); err != nil {
			s.close()
			return nil, fmt.Errorf("initialize redis bridge: %w", err)
		}
		s.Bridge = service.NewRedisBridge(s.Redis, nodeID)
		opts.Bridge = s.Bridge
	}
	if cfg.AMQPURL != "" {
		conn, err := mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("initialize event export: %w", err)
		}
		s.MQConn = conn
		s.Exporter, err = service.NewAMQPPublisher(conn)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("initialize event export: %w", err)
		}
		opts.Exporter = s.Exporter
	}
	if cfg.Directory.PostgresDSN != "" {
		pool, err := db.NewPool(initCtx, cfg.Directory.PostgresDSN)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("initialize membership directory: %w", err)
		}
		s.DB = pool
		s.Directory = db.NewMemberDirectory(db.NewPostgresMemberProvider(pool, db.MemberTable{
			Table:           cfg.Directory.MemberTable,
			WorkspaceColumn: cfg.Directory.WorkspaceColumn,
			UserColumn:      cfg.Directory.UserColumn,
		}), cfg.Directory.CacheTTL, cfg.Directory.CacheCapacity)
		opts.Directory = s.Directory
	}

	var authSvc *commonauth.Service
	if cfg.Auth.JWTSecret != "" {
		authSvc = commonauth.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	}

	s.Router = service.NewRouter(opts)
	s.Polls = service.NewPollManager(cfg.PollWait, cfg.PollIdle)
	h := api.NewHandler(ctx, s.Router, s.Polls, authSvc, cfg.Auth.Required, cfg.AllowedOrigins)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recover("presence"), middleware.RequestLog("presence"), cors.New(corsConfig(cfg.AllowedOrigins)))
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Infof("event=presence_server action=init status=ok node_id=%s redis=%t amqp=%t directory=%t auth_required=%t",
		nodeID, s.Bridge != nil, s.Exporter != nil, s.DB != nil, cfg.Auth.Required)
	return s, nil
}

// Run serves HTTP and the background loops until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("event=presence_server action=listen status=ok address=%s", s.HTTPServer.Addr)
		if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.Router.RunTyping(gctx) })
	g.Go(func() error { return s.Polls.Run(gctx) })
	if s.Bridge != nil {
		g.Go(func() error { return s.Bridge.Run(gctx, s.Router.ApplyRemote) })
	}
	if s.Directory != nil {
		g.Go(func() error { return s.Directory.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.Exporter != nil {
		_ = s.Exporter.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Origin"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
