package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rillstream/rill/common/safe"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/store"
)

type checkpointSummary struct {
	Epoch      int64  `json:"epoch"`
	StartTime  int64  `json:"start_time"`
	FinishTime int64  `json:"finish_time"`
	State      string `json:"state"`
	SizeBytes  int64  `json:"size_bytes"`
}

type checkpointDetail struct {
	checkpointSummary
	Namespaces    map[string]store.NamespaceMeta `json:"namespaces"`
	SourceOffsets map[string]map[string]int64    `json:"source_offsets,omitempty"`
	SinkTokenFor  []string                       `json:"sink_token_for,omitempty"`
}

type jobSummary struct {
	Name                    string   `json:"name"`
	State                   JobState `json:"state"`
	LastCompletedCheckpoint int64    `json:"last_completed_checkpoint"`
}

type stopRequest struct {
	Mode string `json:"mode"`
}

type restartRequest struct {
	CheckpointID int64 `json:"checkpoint_id"`
	Parallelism  int   `json:"parallelism"`
}

// Server serves checkpoint inspection and job control on top of a Registry.
// Checkpoint endpoints are read only; all mutation goes through operations.
type Server struct {
	logger   log.Logger
	registry *Registry
	server   *http.Server
}

func NewServer(addr string, registry *Registry, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		logger:   log.Named("api"),
		registry: registry,
		server:   &http.Server{Addr: addr, Handler: engine},
	}

	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	v1 := engine.Group("/api/v1")
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:job/checkpoints", s.listCheckpoints)
	v1.GET("/jobs/:job/checkpoints/:epoch", s.getCheckpoint)
	v1.POST("/jobs/:job/stop", s.stopJob)
	v1.POST("/jobs/:job/restart", s.restartJob)
	v1.GET("/operations/:id", s.getOperation)
	return s
}

func (s *Server) Start() {
	safe.GoChannel(func() error {
		s.logger.Infof("api server listening on %s.", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, make(chan error, 1))
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) listJobs(c *gin.Context) {
	states := s.registry.Jobs()
	summaries := make([]jobSummary, 0, len(states))
	for name, state := range states {
		summary := jobSummary{Name: name, State: state}
		if env, ok := s.registry.Environment(name); ok {
			summary.LastCompletedCheckpoint = env.LastCompletedEpoch()
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	env, ok := s.registry.Environment(c.Param("job"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	backend := env.Backend()
	epochs, err := backend.Epochs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] > epochs[j] })
	summaries := make([]checkpointSummary, 0, len(epochs))
	for _, epoch := range epochs {
		manifest, err := backend.Manifest(epoch)
		if err != nil {
			s.logger.Warnw("skipping unreadable manifest.", "epoch", epoch, "err", err)
			continue
		}
		summaries = append(summaries, summarize(manifest))
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) getCheckpoint(c *gin.Context) {
	env, ok := s.registry.Environment(c.Param("job"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	epoch, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epoch must be an integer"})
		return
	}
	manifest, err := env.Backend().Manifest(epoch)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	detail := checkpointDetail{
		checkpointSummary: summarize(manifest),
		Namespaces:        manifest.Namespaces,
		SourceOffsets:     manifest.SourceOffsets,
	}
	for name := range manifest.SinkTokens {
		detail.SinkTokenFor = append(detail.SinkTokenFor, name)
	}
	sort.Strings(detail.SinkTokenFor)
	c.JSON(http.StatusOK, detail)
}

func (s *Server) stopJob(c *gin.Context) {
	var request stopRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := s.registry.Stop(c.Param("job"), request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (s *Server) restartJob(c *gin.Context) {
	var request restartRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := s.registry.Restart(c.Param("job"), request.CheckpointID, request.Parallelism)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (s *Server) getOperation(c *gin.Context) {
	op, ok := s.registry.Operation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation"})
		return
	}
	c.JSON(http.StatusOK, op)
}

func summarize(manifest *store.Manifest) checkpointSummary {
	return checkpointSummary{
		Epoch:      manifest.Epoch,
		StartTime:  manifest.StartTime,
		FinishTime: manifest.FinishTime,
		State:      manifest.State,
		SizeBytes:  manifest.SizeBytes(),
	}
}

