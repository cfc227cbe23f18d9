// Package relay реализует форвардер запросов к бэкенду: фронтенд ходит
// на свой origin, relay переписывает запрос на upstream.
package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/middleware"
)

// hopHeaders не переживают пересылку между соединениями.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Relay пересылает запросы /rest/* и /auth/* на upstream.
type Relay struct {
	upstream *url.URL
	client   *http.Client
	// stream без общего таймаута: долгоживущие event-stream соединения
	// не должны обрываться по таймауту обычных запросов.
	stream *http.Client
	logger *zap.Logger
}

// New создаёт relay для указанного upstream.
func New(upstream string, timeout time.Duration, logger *zap.Logger) (*Relay, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}

	return &Relay{
		upstream: u,
		client:   &http.Client{Timeout: timeout},
		stream:   &http.Client{},
		logger:   logger,
	}, nil
}

// SetupRouter настраивает маршруты relay.
func (rl *Relay) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger(rl.logger))

	r.Handle("/rest/*", http.HandlerFunc(rl.forward))
	r.Handle("/auth/*", http.HandlerFunc(rl.forward))
	r.Handle("/realtime/*", http.HandlerFunc(rl.forward))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	return r
}

func (rl *Relay) forward(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	target := *rl.upstream
	target.Path = singleJoin(rl.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		rl.logger.Error("build upstream request", zap.Error(err))
		writeRelayError(w, "invalid upstream request")
		return
	}

	req.Header = r.Header.Clone()
	sanitizeHeaders(req.Header)
	// Ответ отдаётся как есть, без прозрачной распаковки.
	req.Header.Set("Accept-Encoding", "identity")

	hc := rl.client
	if wantsEventStream(r) {
		hc = rl.stream
	}

	resp, err := hc.Do(req)
	if err != nil {
		rl.logger.Warn("upstream request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeRelayError(w, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	sanitizeHeaders(header)
	writeCORS(header)
	header.Set("Cache-Control", "no-store")

	w.WriteHeader(resp.StatusCode)
	if err := rl.copyBody(w, resp); err != nil {
		rl.logger.Warn("copy upstream response", zap.Error(err))
	}
}

// copyBody транслирует тело ответа; кадры event-stream проталкиваются
// клиенту сразу, не дожидаясь заполнения буфера ответа.
func (rl *Relay) copyBody(w http.ResponseWriter, resp *http.Response) error {
	flusher, ok := w.(http.Flusher)
	if !ok || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				return wErr
			}
			flusher.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/realtime/") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sanitizeHeaders удаляет hop-by-hop заголовки и следы клиентской сети.
func sanitizeHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.Del("X-Forwarded-For")
	h.Del("X-Real-Ip")
}

func writeCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Prefer, Apikey")
}

func writeRelayError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}
