// Package web serves the browser frontend for interactive compression.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pixsqueeze/internal/batch"
	"pixsqueeze/internal/codec"
	"pixsqueeze/internal/compressor"
	"pixsqueeze/internal/config"
	"pixsqueeze/internal/metrics"
	"pixsqueeze/internal/statistics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//go:embed static
var staticFiles embed.FS

// Job tracks one uploaded file through the compression pipeline.
// Encoded track bytes are held in memory until the server stops.
type Job struct {
	ID           string           `json:"id"`
	FileName     string           `json:"file_name"`
	Status       batch.FileStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	OriginalSize int64            `json:"original_size"`
	PNGSize      int64            `json:"png_size,omitempty"`
	WebPSize     int64            `json:"webp_size,omitempty"`
	BestFormat   string           `json:"best_format,omitempty"`
	Ratio        float64          `json:"ratio"`
	Escalated    bool             `json:"escalated"`
	ElapsedMS    int64            `json:"elapsed_ms,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`

	pngData  []byte
	webpData []byte
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	comp       compressor.Compressor
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	jobsMutex sync.RWMutex
	jobs      map[string]*Job

	stats *statistics.Statistics
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		comp:      compressor.NewDefaultCompressor(codec.New(), cfg.Compression.Tiers(), log),
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		jobs:      make(map[string]*Job),
		stats:     statistics.NewStatistics(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.stats.StartTime = time.Now()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/download", s.handleDownload).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Static files
	s.router.PathPrefix("/static/").Handler(http.FileServer(http.FS(staticFiles)))

	// Main page
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

func (s *Server) Start() error {
	addr := s.cfg.WebAddr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, usable without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		s.writeError(w, "Page not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jobsMutex.RLock()
	total := len(s.jobs)
	active := 0
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			active++
		}
	}
	s.jobsMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"jobs_total":  total,
			"jobs_active": active,
			"running":     active > 0,
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Web.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeError(w, "Invalid multipart request", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, "No files uploaded", http.StatusBadRequest)
		return
	}
	metrics.RecordUploads(len(headers))

	queued := make([]Job, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read upload %s: %v", header.Filename, err), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read upload %s: %v", header.Filename, err), http.StatusBadRequest)
			return
		}

		job := s.newJob(header.Filename)
		queued = append(queued, job)
		go s.runCompressAsync(job.ID, data)
	}

	s.log.Infof("Queued %d uploads for compression", len(queued))
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d files queued", len(queued)),
		Data:    queued,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.jobsMutex.RLock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	s.jobsMutex.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	s.writeJSON(w, APIResponse{Success: true, Data: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getJob(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: job})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.getJob(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.Status != batch.StatusDone {
		s.writeError(w, "Job not finished", http.StatusConflict)
		return
	}

	format := r.URL.Query().Get("format")
	var data []byte
	var contentType string
	switch format {
	case "png":
		data = job.pngData
		contentType = "image/png"
	case "webp":
		data = job.webpData
		contentType = "image/webp"
	default:
		s.writeError(w, "Format must be png or webp", http.StatusBadRequest)
		return
	}

	if len(data) == 0 {
		s.writeError(w, fmt.Sprintf("No %s track for this file", format), http.StatusNotFound)
		return
	}

	stem := strings.TrimSuffix(job.FileName, filepath.Ext(job.FileName))
	name := stem + s.cfg.OutputSuffix + "." + format

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.stats

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":     stats.GetSummary(),
			"input_types": stats.GetInputTypeBreakdown(),
			"files": map[string]interface{}{
				"total_processed": atomic.LoadInt64(&stats.TotalFilesProcessed),
				"compressed":      atomic.LoadInt64(&stats.FilesCompressed),
				"optimized":       atomic.LoadInt64(&stats.FilesOptimized),
				"failed":          atomic.LoadInt64(&stats.FilesFailed),
			},
			"bytes": map[string]interface{}{
				"original":   atomic.LoadInt64(&stats.OriginalBytes),
				"compressed": atomic.LoadInt64(&stats.CompressedBytes),
			},
			"policy": map[string]interface{}{
				"tier_escalations": atomic.LoadInt64(&stats.TierEscalations),
				"png_wins":         atomic.LoadInt64(&stats.PNGWins),
				"webp_wins":        atomic.LoadInt64(&stats.WebPWins),
			},
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// newJob registers a pending job for an uploaded file.
func (s *Server) newJob(fileName string) Job {
	job := &Job{
		ID:        uuid.New().String(),
		FileName:  fileName,
		Status:    batch.StatusPending,
		CreatedAt: time.Now(),
	}

	s.jobsMutex.Lock()
	s.jobs[job.ID] = job
	s.jobsMutex.Unlock()
	return *job
}

// getJob returns a snapshot of a job.
func (s *Server) getJob(id string) (Job, bool) {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// updateJob applies a mutation under the jobs lock and returns a snapshot.
func (s *Server) updateJob(id string, fn func(*Job)) Job {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}
	}
	fn(job)
	return *job
}

// runCompressAsync drives one uploaded file through the pipeline and
// broadcasts every state change to connected WebSocket clients.
func (s *Server) runCompressAsync(id string, data []byte) {
	start := time.Now()
	s.stats.IncrementFilesProcessed()

	snapshot := s.updateJob(id, func(j *Job) {
		j.Status = batch.StatusDecoding
		j.OriginalSize = int64(len(data))
	})
	s.stats.IncrementInputType(strings.ToUpper(strings.TrimPrefix(strings.ToLower(filepath.Ext(snapshot.FileName)), ".")))
	s.broadcastWSMessage("job_update", snapshot)

	src, err := codec.DecodeSourceImage(snapshot.FileName, data)
	if err != nil {
		s.stats.IncrementDecodeFailures()
		s.failJob(id, fmt.Errorf("%w: %v", compressor.ErrNotDecodable, err), start)
		return
	}
	s.stats.AddOriginalBytes(src.OriginalSize)

	snapshot = s.updateJob(id, func(j *Job) { j.Status = batch.StatusEncoding })
	s.broadcastWSMessage("job_update", snapshot)

	candidates, escalated, err := s.comp.Run(context.Background(), src)
	if escalated {
		s.stats.IncrementTierEscalations()
		metrics.RecordEscalation()
	}
	if err != nil {
		s.failJob(id, err, start)
		return
	}

	snapshot = s.updateJob(id, func(j *Job) {
		j.Status = batch.StatusSelecting
		j.Escalated = escalated
	})
	s.broadcastWSMessage("job_update", snapshot)

	outcome, err := s.comp.Select(candidates, src.OriginalSize, src.DecodedAt)
	if err != nil {
		s.failJob(id, err, start)
		return
	}

	best := outcome.Best()
	s.stats.AddCompressedBytes(best.Size)
	s.stats.AddRatio(best.Ratio)
	switch best.Strategy.Format {
	case compressor.FormatPNG:
		s.stats.IncrementPNGWins()
	case compressor.FormatWebP:
		s.stats.IncrementWebPWins()
	}
	metrics.RecordSavings(src.OriginalSize - best.Size)

	label := "compressed"
	if best.Ratio > 0 {
		s.stats.IncrementFilesCompressed()
	} else {
		label = "optimized"
		s.stats.IncrementFilesOptimized()
	}
	metrics.RecordFile(label, outcome.Elapsed.Seconds())

	snapshot = s.updateJob(id, func(j *Job) {
		j.Status = batch.StatusDone
		if outcome.PNG != nil {
			j.pngData = outcome.PNG.Data
			j.PNGSize = outcome.PNG.Size
		}
		if outcome.WebP != nil {
			j.webpData = outcome.WebP.Data
			j.WebPSize = outcome.WebP.Size
			s.stats.IncrementWebPTracksBuilt()
		}
		j.BestFormat = best.Strategy.Format.String()
		j.Ratio = best.Ratio
		j.ElapsedMS = outcome.Elapsed.Milliseconds()
	})
	s.broadcastWSMessage("job_completed", snapshot)
	s.log.Infof("Compressed upload %s: %d -> %d bytes (%.1f%%)",
		snapshot.FileName, snapshot.OriginalSize, best.Size, best.Ratio)
}

// failJob marks a job failed and broadcasts the terminal state.
func (s *Server) failJob(id string, err error, start time.Time) {
	s.stats.IncrementFilesFailed()
	metrics.RecordFile("failed", time.Since(start).Seconds())

	snapshot := s.updateJob(id, func(j *Job) {
		j.Status = batch.StatusFailed
		j.Error = err.Error()
	})
	s.stats.AddError(snapshot.FileName, "compress", err.Error())
	s.log.Warnf("Failed to compress upload %s: %v", snapshot.FileName, err)
	s.broadcastWSMessage("job_failed", snapshot)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// WriteMessage allows one concurrent writer per connection, so
	// broadcasts hold the write lock.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		err := conn.WriteMessage(websocket.TextMessage, msgBytes)
		if err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			// Remove failed connection
			go func(c *websocket.Conn) {
				s.wsMutex.Lock()
				delete(s.wsClients, c)
				s.wsMutex.Unlock()
				c.Close()
			}(conn)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
