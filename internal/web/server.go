package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/algotrader/internal/events"
)

const (
	heartbeatInterval = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	defaultCertCache  = "cert-cache"
)

type portfolioFeed interface {
	Latest() (events.PortfolioSnapshot, bool)
	Subscribe() chan events.PortfolioSnapshot
	Unsubscribe(ch chan events.PortfolioSnapshot)
}

// Server exposes the portfolio as JSON, as an SSE stream and as a small HTML page.
type Server struct {
	Addr string
	// Domain enables HTTPS with Let's Encrypt certificates when set.
	Domain   string
	CacheDir string

	l    *zap.Logger
	feed portfolioFeed
}

// NewServer creates a new web server instance.
func NewServer(l *zap.Logger, addr, domain string, feed portfolioFeed) *Server {
	return &Server{Addr: addr, Domain: domain, CacheDir: defaultCertCache, l: l, feed: feed}
}

// Handler returns the routes of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/portfolio", s.handlePortfolio)
	mux.HandleFunc("/portfolio/stream", s.handlePortfolioStream)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.Domain != "" {
		return s.startWithAutoTLS(ctx)
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go s.shutdownOnDone(ctx, server)

	s.l.Info("dashboard listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startWithAutoTLS serves HTTPS with ACME certificates and answers HTTP-01 challenges on port 80.
func (s *Server) startWithAutoTLS(ctx context.Context) error {
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.Domain),
		Cache:      autocert.DirCache(s.CacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go s.shutdownOnDone(ctx, httpSrv)
	go s.shutdownOnDone(ctx, httpsSrv)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme http server failed", zap.Error(err))
		}
	}()

	s.l.Info("dashboard listening with tls", zap.String("addr", s.Addr), zap.String("domain", s.Domain))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) shutdownOnDone(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.l.Warn("dashboard shutdown failed", zap.String("addr", server.Addr), zap.Error(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, ok := s.feed.Latest()
	if !ok {
		http.Error(w, "no portfolio snapshot yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.l.Warn("failed to write portfolio", zap.Error(err))
	}
}

func (s *Server) handlePortfolioStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	updates := s.feed.Subscribe()
	defer s.feed.Unsubscribe(updates)

	var sent bool
	var lastTick uint64
	send := func(snapshot events.PortfolioSnapshot) error {
		// updates queued before the initial frame may be older than it
		if sent && snapshot.Tick <= lastTick {
			return nil
		}
		sent, lastTick = true, snapshot.Tick

		payload, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: portfolio\nid: %d\ndata: %s\n\n", snapshot.Tick, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if snapshot, ok := s.feed.Latest(); ok {
		if err := send(snapshot); err != nil {
			return
		}
	} else {
		// commit the headers so clients see the stream open
		flusher.Flush()
	}

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case snapshot, open := <-updates:
			if !open {
				return
			}
			if err := send(snapshot); err != nil {
				s.l.Debug("portfolio stream closed", zap.Error(err))
				return
			}
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>algotrader</title>
  <style>
    body { font-family:'Space Mono','JetBrains Mono',monospace; margin:2rem; color:#111; }
    table { border-collapse:collapse; margin-bottom:2rem; }
    th, td { border:1px solid #ccc; padding:.3rem .6rem; text-align:right; }
    th:first-child, td:first-child { text-align:left; }
    .stale { color:#b00; }
    .halted { color:#fff; background:#b00; padding:.1rem .4rem; }
  </style>
</head>
<body>
  <h1>algotrader</h1>
  <p id="status">connecting...</p>
  <h2>Balances</h2>
  <table id="balances"><thead><tr><th>currency</th><th>amount</th><th>reserved</th></tr></thead><tbody></tbody></table>
  <h2>Markets</h2>
  <table id="prices"><thead><tr><th>pair</th><th>bid</th><th>ask</th><th>last</th><th>reference</th><th>open buys</th><th>holding</th></tr></thead><tbody></tbody></table>
<script>
function row(cells, cls){
  const tr = document.createElement('tr');
  if (cls) tr.className = cls;
  cells.forEach(c => { const td = document.createElement('td'); td.textContent = c; tr.appendChild(td); });
  return tr;
}
function render(p){
  document.getElementById('status').textContent = 'tick ' + p.tick + ' at ' + new Date(p.ts).toLocaleTimeString() +
    (p.halted && p.halted.length ? ' | halted: ' + p.halted.join(', ') : '');
  const balances = document.querySelector('#balances tbody');
  balances.innerHTML = '';
  Object.keys(p.balances || {}).sort().forEach(c => {
    balances.appendChild(row([c, p.balances[c], (p.reserved || {})[c] || '0']));
  });
  const books = {};
  (p.books || []).forEach(b => { books[b.pair] = b; });
  const prices = document.querySelector('#prices tbody');
  prices.innerHTML = '';
  (p.prices || []).forEach(m => {
    const b = books[m.pair] || {open: [], holding: '0'};
    prices.appendChild(row([m.pair, m.bid, m.ask, m.last, m.reference || '-', b.open.length, b.holding],
      m.stale || m.frozen ? 'stale' : ''));
  });
}
const es = new EventSource('/portfolio/stream');
es.addEventListener('portfolio', e => render(JSON.parse(e.data)));
es.onerror = () => { document.getElementById('status').textContent = 'disconnected, retrying...'; };
</script>
</body>
</html>
`
