// Package status serves health, recording progress and metrics over HTTP
// while a recording runs.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/observability"
	"github.com/danmuck/pcicrec/internal/protocol/session"
	"github.com/danmuck/pcicrec/internal/recorder"
)

const version = "0.1.0"

// Recording is the view of a running recorder the server reports on.
type Recording interface {
	Plan() *recorder.Plan
	Stats() map[string]session.Stats
}

var _ Recording = (*recorder.Recorder)(nil)

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	rec    Recording
	router *gin.Engine
}

func New(id, addr string, rec Recording, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.HTTPLogger(id)))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		rec:      rec,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SourceStatus is one entry of the /status response.
type SourceStatus struct {
	Source          string `json:"source"`
	Stream          string `json:"stream"`
	StreamID        uint16 `json:"stream_id"`
	Format          string `json:"format"`
	Sensor          string `json:"sensor,omitempty"`
	Frames          uint64 `json:"frames"`
	Bytes           uint64 `json:"bytes"`
	ChunksDropped   uint64 `json:"chunks_dropped"`
	FramesAbandoned uint64 `json:"frames_abandoned"`
	Reconnects      uint64 `json:"reconnects"`
	Queued          int    `json:"queued"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		plan := s.rec.Plan()
		if plan == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"recording": false, "sources": []SourceStatus{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"recording": true,
			"firmware":  plan.Firmware,
			"sources":   s.Sources(),
		})
	})
}

// Sources merges the resolved plan with live session statistics.
func (s *Server) Sources() []SourceStatus {
	plan := s.rec.Plan()
	if plan == nil {
		return nil
	}
	stats := s.rec.Stats()
	out := make([]SourceStatus, 0, len(plan.Descriptors))
	for _, d := range plan.Descriptors {
		st := stats[d.Source]
		out = append(out, SourceStatus{
			Source:          d.Source,
			Stream:          d.Stream,
			StreamID:        d.StreamID,
			Format:          d.Format,
			Sensor:          d.Sensor,
			Frames:          st.Frames,
			Bytes:           st.Bytes,
			ChunksDropped:   st.ChunksDropped,
			FramesAbandoned: st.FramesAbandoned,
			Reconnects:      st.Reconnects,
			Queued:          st.Queued,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Serve listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logs.Infof("status.Server.Serve listening addr=%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
