package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ReporterClient pushes graph state to a Reporter's HTTP receiver. It
// is a thin wrapper over net/http; failures are returned to the caller,
// since reporting is best-effort observability, never part of the
// execution contract.
type ReporterClient struct {
	baseURL string
	http    *http.Client
}

// NewReporterClient builds a client posting to baseURL (e.g.
// "http://localhost:8090").
func NewReporterClient(baseURL string) *ReporterClient {
	return &ReporterClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c *ReporterClient) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reporter %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// PushStructure posts the graph's node list.
func (c *ReporterClient) PushStructure(ctx context.Context, nodes []map[string]any) error {
	return c.post(ctx, "/api/push_structure", nodes)
}

// PushStatus posts the per-stage status snapshot, keyed by stage tag.
func (c *ReporterClient) PushStatus(ctx context.Context, status map[string]StageSnapshot) error {
	return c.post(ctx, "/api/push_status", status)
}

// ErrorPush is one record of the push_errors array payload.
type ErrorPush struct {
	Error     string    `json:"error"`
	Stage     string    `json:"stage"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PushErrors posts newly observed failures.
func (c *ReporterClient) PushErrors(ctx context.Context, errs []ErrorPush) error {
	return c.post(ctx, "/api/push_errors", errs)
}

// TopologyPush is the push_topology payload.
type TopologyPush struct {
	IsDAG      bool             `json:"isDAG"`
	LayoutMode string           `json:"layout_mode"`
	ClassName  string           `json:"class_name"`
	LayersDict map[int][]string `json:"layers_dict"`
}

// PushTopology posts the graph's topology summary.
func (c *ReporterClient) PushTopology(ctx context.Context, t TopologyPush) error {
	return c.post(ctx, "/api/push_topology", t)
}

// PushInterval posts the reporter's desired polling interval.
func (c *ReporterClient) PushInterval(ctx context.Context, interval time.Duration) error {
	return c.post(ctx, "/api/push_interval", map[string]int64{"interval": interval.Milliseconds()})
}

// ReporterServer is the embeddable HTTP receiver for the push API. It
// holds the last-pushed structure, status, errors and topology so a
// frontend can poll them.
type ReporterServer struct {
	echo *echo.Echo

	mu         sync.Mutex
	structure  []map[string]any
	status     map[string]StageSnapshot
	errors     []ErrorPush
	topology   TopologyPush
	interval   time.Duration
	injections []TaskInjection
}

// TaskInjection is one pending injection returned by
// get_task_injection.
type TaskInjection struct {
	StageTag string `json:"stage_tag"`
	Task     any    `json:"task"`
}

// NewReporterServer builds a ReporterServer with its routes registered.
func NewReporterServer() *ReporterServer {
	r := &ReporterServer{
		echo:     echo.New(),
		status:   make(map[string]StageSnapshot),
		interval: time.Second,
	}
	r.echo.HideBanner = true
	r.registerRoutes()
	return r
}

func (r *ReporterServer) registerRoutes() {
	r.echo.POST("/api/push_structure", func(c echo.Context) error {
		var nodes []map[string]any
		if err := c.Bind(&nodes); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		r.mu.Lock()
		r.structure = nodes
		r.mu.Unlock()
		return c.NoContent(http.StatusNoContent)
	})

	r.echo.POST("/api/push_status", func(c echo.Context) error {
		var status map[string]StageSnapshot
		if err := c.Bind(&status); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		r.mu.Lock()
		r.status = status
		r.mu.Unlock()
		return c.NoContent(http.StatusNoContent)
	})

	r.echo.POST("/api/push_errors", func(c echo.Context) error {
		var errs []ErrorPush
		if err := c.Bind(&errs); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		r.mu.Lock()
		r.errors = append(r.errors, errs...)
		r.mu.Unlock()
		return c.NoContent(http.StatusNoContent)
	})

	r.echo.POST("/api/push_topology", func(c echo.Context) error {
		var topo TopologyPush
		if err := c.Bind(&topo); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		r.mu.Lock()
		r.topology = topo
		r.mu.Unlock()
		return c.NoContent(http.StatusNoContent)
	})

	r.echo.POST("/api/push_interval", func(c echo.Context) error {
		var body struct {
			Interval int64 `json:"interval"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		r.mu.Lock()
		r.interval = time.Duration(body.Interval) * time.Millisecond
		r.mu.Unlock()
		return c.NoContent(http.StatusNoContent)
	})

	r.echo.GET("/api/get_task_injection", func(c echo.Context) error {
		r.mu.Lock()
		pending := r.injections
		r.injections = nil
		r.mu.Unlock()
		return c.JSON(http.StatusOK, pending)
	})
}

// Enqueue registers a pending injection later served by
// get_task_injection (a test/operator-facing hook; the core execution
// path never calls this).
func (r *ReporterServer) Enqueue(inj TaskInjection) {
	r.mu.Lock()
	r.injections = append(r.injections, inj)
	r.mu.Unlock()
}

// Start runs the reporter's HTTP server on addr (e.g. ":8090"),
// blocking until ctx is cancelled.
func (r *ReporterServer) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.echo.Start(addr) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
