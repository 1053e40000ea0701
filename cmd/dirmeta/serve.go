package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/conceptfab/dirmeta/internal/logger"
	"github.com/conceptfab/dirmeta/pkg/config"
	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/registry"
	"github.com/spf13/cobra"
)

// maxRequestSize bounds one request line on stdin.
const maxRequestSize = 16 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply change requests read from stdin",
	Long: `Run as a long-lived worker that applies change requests read from stdin,
one JSON object per line, and answers with one JSON object per line on stdout.

Changes are buffered per directory and flushed after the configured debounce,
so bursts of small updates result in few writes. Stores of directories that
stay idle are closed automatically. On EOF or SIGINT/SIGTERM every pending
change is flushed before exiting.

Requests:
  {"dir": "/photos", "changes": {"hasSpecialFolders": true}}
  {"dir": "/photos", "op": "flush"}
  {"dir": "/photos", "op": "view"}
  {"dir": "/photos", "op": "evict"}

When metrics are enabled, Prometheus metrics are served on /metrics.`,
	Args:        cobra.NoArgs,
	Annotations: reservedStdout,
	RunE:        runServe,
}

var serveMetrics bool

func init() {
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve Prometheus metrics (overrides metrics.enabled)")
}

// request is one line of input.
type request struct {
	Dir     string             `json:"dir"`
	Op      string             `json:"op,omitempty"`
	Changes metadata.ChangeSet `json:"changes,omitempty"`
}

// response is one line of output.
type response struct {
	Dir      string             `json:"dir"`
	Op       string             `json:"op"`
	OK       bool               `json:"ok"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
	Document *metadata.Document `json:"document,omitempty"`
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveMetrics {
		cfg.Metrics.Enabled = true
	}

	var stopping atomic.Bool
	m := config.InitializeMetrics(cfg, func() error {
		if stopping.Load() {
			return errors.New("shutting down")
		}
		return nil
	})

	reg, err := openRegistry(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancelled before the final flush; metrics keep serving until after it
	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	var metricsDone sync.WaitGroup
	if m.Server != nil {
		metricsDone.Add(1)
		go func() {
			defer metricsDone.Done()
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	w := newWorker(reg)
	inputDone := make(chan error, 1)
	go func() {
		inputDone <- serveRequests(reqCtx, w, cmd.InOrStdin(), cmd.OutOrStdout())
	}()

	logger.Info("dirmeta worker ready, reading requests from stdin")

	var inputErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down", sig)
	case inputErr = <-inputDone:
		if inputErr != nil {
			logger.Error("Input error: %v", inputErr)
		} else {
			logger.Info("Input closed, shutting down")
		}
	}

	stopping.Store(true)
	cancelRequests()
	w.stop()
	closeErr := closeRegistry(reg)
	if closeErr != nil {
		logger.Error("Failed to flush all stores: %v", closeErr)
	}

	cancel()
	metricsDone.Wait()

	return errors.Join(inputErr, closeErr)
}

// worker applies requests to the registry one at a time. Once stopped it
// answers every request with a Closed error, so nothing reaches the registry
// after shutdown has begun.
type worker struct {
	reg *registry.Registry

	mu      sync.Mutex
	stopped bool
}

func newWorker(reg *registry.Registry) *worker {
	return &worker{reg: reg}
}

func (w *worker) handle(ctx context.Context, req request) response {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		resp := response{Dir: req.Dir, Op: req.Op}
		if resp.Op == "" {
			resp.Op = "set"
		}
		return finish(resp, metadata.NewError(metadata.ErrClosed, resp.Op, req.Dir, "worker is shutting down", metadata.ErrStoreClosed))
	}
	return handleRequest(ctx, w.reg, req)
}

// stop waits for the request in progress, if any, and rejects later ones.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

// serveRequests handles requests from in until EOF or until ctx is done.
func serveRequests(ctx context.Context, w *worker, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		var resp response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = response{Op: "decode", Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = w.handle(ctx, req)
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return scanner.Err()
}

// handleRequest applies one request to its directory's store.
func handleRequest(ctx context.Context, reg *registry.Registry, req request) response {
	op := req.Op
	if op == "" {
		op = "set"
	}
	resp := response{Dir: req.Dir, Op: op}

	if op == "evict" {
		return finish(resp, reg.Evict(ctx, req.Dir))
	}

	s, err := reg.GetStore(req.Dir)
	if err != nil {
		return finish(resp, err)
	}

	switch op {
	case "set":
		if len(req.Changes) == 0 {
			return finish(resp, metadata.NewError(metadata.ErrInvalidInput, "set", req.Dir, "no changes", nil))
		}
		err = s.AddChanges(req.Changes)
	case "flush":
		err = s.FlushNow(ctx)
	case "view":
		var doc metadata.Document
		if doc, err = s.View(ctx); err == nil {
			resp.Document = &doc
		}
	default:
		err = metadata.NewError(metadata.ErrInvalidInput, op, req.Dir, "unknown operation", nil)
	}
	return finish(resp, err)
}

func finish(resp response, err error) response {
	if err == nil {
		resp.OK = true
		return resp
	}
	resp.Error = err.Error()
	if kind, ok := metadata.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	return resp
}
