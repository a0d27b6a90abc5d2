package http

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/config"
	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/state"
)

type HTTPServer interface {
	StartHTTPServer()
}

type HTTPServerImpl struct {
	state *state.RunState
	dm    *db.DatabaseManager
	feed  *eventFeed
}

func NewHTTPServer(st *state.RunState, dm *db.DatabaseManager) *HTTPServerImpl {
	return &HTTPServerImpl{state: st, dm: dm, feed: newEventFeed(st.EventBus)}
}

const eventFeedDepth = 256

// RunEvent is one entry of the run-events feed.
type RunEvent struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

// eventFeed drains the run's event bus into a bounded in-memory log so
// the API can replay recent pipeline progress.
type eventFeed struct {
	mu     sync.RWMutex
	events []RunEvent
}

func newEventFeed(bus *state.EventBus) *eventFeed {
	feed := &eventFeed{}
	for _, eventType := range []state.EventType{
		state.StageChanged,
		state.PartitionLinked,
		state.SnapshotBuilt,
		state.QACompleted,
		state.RunPublished,
		state.RunAborted,
	} {
		ch := make(chan interface{}, eventFeedDepth)
		bus.Subscribe(eventType, ch)
		go func(eventType state.EventType, ch chan interface{}) {
			for data := range ch {
				feed.append(RunEvent{Type: eventType.String(), At: time.Now().UTC(), Data: data})
			}
		}(eventType, ch)
	}
	return feed
}

func (f *eventFeed) append(event RunEvent) {
	f.mu.Lock()
	f.events = append(f.events, event)
	if len(f.events) > eventFeedDepth {
		f.events = f.events[len(f.events)-eventFeedDepth:]
	}
	f.mu.Unlock()
}

func (f *eventFeed) recent() []RunEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	events := make([]RunEvent, len(f.events))
	copy(events, f.events)
	return events
}

func (hs *HTTPServerImpl) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/api/v1/status", hs.handleStatus)
	r.GET("/api/v1/events", hs.handleEvents)
	r.GET("/api/v1/qa/report", hs.handleQAReport)
	r.GET("/api/v1/manifest", hs.handleManifest)
	r.GET("/api/v1/datasets", hs.handleDatasets)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (hs *HTTPServerImpl) StartHTTPServer() {
	r := hs.Router()

	addr := ":" + config.AppConfig.HTTPPort
	log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func (hs *HTTPServerImpl) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": hs.state.Status()})
}

// handleEvents replays the recent pipeline events of the current run.
func (hs *HTTPServerImpl) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": hs.feed.recent()})
}

// handleQAReport serves the report of the current run, falling back to
// the report published with the last successful run.
func (hs *HTTPServerImpl) handleQAReport(c *gin.Context) {
	if report := hs.state.Report(); report != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "data": report})
		return
	}
	var published json.RawMessage
	if readJSONFile(filepath.Join(config.AppConfig.PublishDir, "qa_report.json"), &published) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "data": published})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "no qa report yet"})
}

func (hs *HTTPServerImpl) handleManifest(c *gin.Context) {
	var manifest json.RawMessage
	if !readJSONFile(filepath.Join(config.AppConfig.PublishDir, "manifest.json"), &manifest) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "nothing published yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": manifest})
}

// handleDatasets lists the published partitions per dataset.
func (hs *HTTPServerImpl) handleDatasets(c *gin.Context) {
	datasets := make(map[string][]string)
	for _, dataset := range []string{db.DatasetCreated, db.DatasetSpent, db.DatasetSnapshots} {
		partitions, err := db.ListPartitions(hs.dm.PublishedDataset(dataset))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
			return
		}
		datasets[dataset] = partitions
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": datasets})
}

func readJSONFile(path string, dest *json.RawMessage) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if json.Unmarshal(data, dest) != nil {
		return false
	}
	return true
}
