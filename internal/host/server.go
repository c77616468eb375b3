// Package host is the HTTP front end of the gateway. Each connection is
// registered in a handle table, submitted to the gateway without blocking
// and parked until its response is delivered, the response timeout fires or
// the client goes away.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cryguy/jsgate"
	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Headers of the out-of-band response endpoint.
const (
	HeaderResponseHandle = "X-Gateway-Response-Handle"
	HeaderResponseStatus = "X-Gateway-Response-Status"
)

const (
	responsePath      = "/_gateway/response"
	shutdownGrace     = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var errReactorStopped = errors.New("host: reactor stopped before the server")

// Gateway is the part of *jsgate.Gateway the host uses.
type Gateway interface {
	SubmitRequest(h core.Handle, metadata, body []byte) jsgate.SubmitStatus
	Dispatch(payload []byte) (int, error)
	ReleaseResponseBuffer(buf *core.Buffer)
	Stats() jsgate.Stats
}

// Runner is a component that runs until its context is canceled, such as
// the notification reactor.
type Runner interface {
	Run(ctx context.Context) error
}

// Server serves application requests through a Gateway.
type Server struct {
	cfg     core.ServerConfig
	gw      Gateway
	conns   *Conns
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New returns a server. conns must be the table behind the delivery the
// gateway was initialized with.
func New(cfg core.ServerConfig, gw Gateway, conns *Conns, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		gw:      gw,
		conns:   conns,
		metrics: m,
		logger:  logger.With("component", "host"),
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+responsePath, s.serveResponse)
	mux.Handle("/_gateway/", http.NotFoundHandler())
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.serveHealth)
	mux.HandleFunc("/", s.serveApp)
	return mux
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, reactor Runner) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, reactor)
}

// Serve accepts connections on ln until ctx is canceled. A non-nil reactor
// runs alongside the HTTP server and keeps running until the server has
// shut down, so responses delivered to draining handlers are still woken.
func (s *Server) Serve(ctx context.Context, ln net.Listener, reactor Runner) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	reactorCtx, stopReactor := context.WithCancel(context.Background())
	defer stopReactor()

	g, ctx := errgroup.WithContext(ctx)
	if reactor != nil {
		g.Go(func() error {
			err := reactor.Run(reactorCtx)
			if err == nil && reactorCtx.Err() == nil {
				err = errReactorStopped
			}
			return err
		})
	}
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer stopReactor()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) serveApp(w http.ResponseWriter, r *http.Request) {
	body, tempFile, err := s.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Warn("reading request body", "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if tempFile != "" {
		defer os.Remove(tempFile)
	}

	h, p := s.conns.open()
	defer s.conns.close(h)

	meta, err := json.Marshal(buildMetadata(r, tempFile))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch status := s.gw.SubmitRequest(h, meta, body); status {
	case jsgate.Accepted:
	case jsgate.Rejected:
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		s.writeResult(w, r, res)
		s.gw.ReleaseResponseBuffer(res.Body)
	case <-timer.C:
		s.logger.Warn("response timed out", "handle", h.String(), "timeout", s.cfg.ResponseTimeout)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		s.logger.Debug("client went away", "handle", h.String())
	}
}

// readBody reads the request body up to MaxBodyBytes. Bodies larger than
// SpoolThresholdBytes are written to a file under BodyTempDir and only the
// path is returned.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, "", nil
	}
	rd := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	head, err := io.ReadAll(io.LimitReader(rd, s.cfg.SpoolThresholdBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(head)) <= s.cfg.SpoolThresholdBytes {
		return head, "", nil
	}

	path := filepath.Join(s.cfg.BodyTempDir, "jsgate-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", err
	}
	_, err = f.Write(head)
	if err == nil {
		_, err = io.Copy(f, rd)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, "", err
	}
	return nil, path, nil
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.gw.Stats()
	status := http.StatusOK
	if stats.WorkerState != "running" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		jsgate.Stats
		Pending int `json:"pending"`
	}{stats, s.conns.Len()})
}

// serveResponse delivers a response record built from an HTTP request on
// behalf of a producer outside the engine.
func (s *Server) serveResponse(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(HeaderResponseHandle)
	if raw == "" {
		http.Error(w, HeaderResponseHandle+" is required", http.StatusBadRequest)
		return
	}
	h, err := strconv.ParseInt(raw, 0, 64)
	if err != nil || h < 0 {
		http.Error(w, "invalid "+HeaderResponseHandle, http.StatusBadRequest)
		return
	}
	status := http.StatusOK
	if v := r.Header.Get(HeaderResponseStatus); v != "" {
		status, err = strconv.Atoi(v)
		if err != nil || status < 1 || status > 65535 {
			http.Error(w, "invalid "+HeaderResponseStatus, http.StatusBadRequest)
			return
		}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	payload, err := responsePayload(h, status, r.Header.Get("Content-Type"), data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code, err := s.gw.Dispatch(payload)
	switch {
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case code != core.DeliveryOK:
		http.Error(w, "delivery failed with code "+strconv.Itoa(code), http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
