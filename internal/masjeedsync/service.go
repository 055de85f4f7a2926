package masjeedsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Service is the offline sidecar: it proxies the PWA's API calls to the
// origin through the Interceptor and serves the /__offline/ control surface.
type Service struct {
	cfg Config

	store       Store
	state       *State
	source      *ManualSource
	emitter     *Emitter
	queue       *Manager
	monitor     *Monitor
	interceptor *Interceptor
	hub         *eventHub

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	return newService(cfg, store, http.DefaultTransport, NewTimerScheduler()), nil
}

func newService(cfg Config, store Store, transport http.RoundTripper, sched Scheduler) *Service {
	online := !cfg.Connectivity.StartOffline
	s := &Service{
		cfg:     cfg,
		store:   store,
		state:   NewState(online),
		source:  NewManualSource(online),
		emitter: NewEmitter(),
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}

	raw := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	s.queue = NewManager(store, s.state, raw, ManagerOptions{
		Retry:     cfg.RetryConfig(),
		Scheduler: sched,
		Emitter:   s.emitter,
	})
	s.queue.stats = s.stats

	s.interceptor = NewInterceptor(transport, store, s.queue, cfg)
	s.interceptor.stats = s.stats

	s.monitor = NewMonitor(s.state, s.source, s.queue, s.emitter)
	s.hub = newEventHub(s.emitter)
	s.monitor.Start()

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	s.startPrecache()

	return s
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.monitor.Close()
	s.queue.Close()
	s.hub.close()
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// Queue exposes the write queue manager.
func (s *Service) Queue() *Manager { return s.queue }

// SetOnline feeds a connectivity transition into the monitor.
func (s *Service) SetOnline(v bool) { s.source.SetOnline(v) }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__offline/status", s.handleStatus)
	mux.HandleFunc("POST /__offline/sync", s.handleSync)
	mux.HandleFunc("POST /__offline/retry/{id}", s.handleRetry)
	mux.HandleFunc("POST /__offline/clear", s.handleClear)
	mux.HandleFunc("POST /__offline/connectivity", s.handleConnectivity)
	mux.HandleFunc("GET /__offline/events", s.hub.serveWS)
	mux.HandleFunc("/", s.proxy)
	return mux
}

// ClientState is what the UI needs to render live, cached and offline states.
type ClientState struct {
	Connectivity ConnectivityState `json:"connectivity"`
	Queue        QueueStatus       `json:"queue"`
	Stats        Stats             `json:"stats"`
}

func (s *Service) clientState(ctx context.Context) (ClientState, error) {
	qs, err := s.queue.QueueStatus(ctx)
	if err != nil {
		return ClientState{}, err
	}
	return ClientState{
		Connectivity: s.monitor.State(),
		Queue:        qs,
		Stats:        s.stats.Snapshot(),
	}, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.clientState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.queue.ProcessQueue(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.queue.RetryItem(context.WithoutCancel(r.Context()), id)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ClearQueue(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Service) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New(`expected {"online": true|false}`))
		return
	}
	s.source.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, s.monitor.State())
}

func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	// Cached payloads are stored as-is; keep them uncompressed.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.interceptor.RoundTrip(req)
	if err != nil {
		var (
			se *SerializationError
			st *StorageError
		)
		switch {
		case errors.As(err, &se):
			writeError(w, http.StatusBadRequest, err)
		case errors.As(err, &st):
			writeError(w, http.StatusInsufficientStorage, err)
		default:
			setSourceHeaders(w.Header(), SourceNetwork)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if code := Code(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

type sizer interface {
	TotalSize() int64
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			depth := -1
			if qs, err := s.queue.QueueStatus(context.Background()); err == nil {
				depth = qs.Total
			}
			disk := "n/a"
			if sz, ok := s.store.(sizer); ok {
				disk = humanize.IBytes(uint64(sz.TotalSize()))
			}
			rss := "n/a"
			if n, ok := processRSSBytes(); ok {
				rss = humanize.IBytes(n)
			}
			log.Printf(
				"Offline: online=%t queue=%d queued/replayed/exhausted %d/%d/%d, reads net/cache/offline %d/%d/%d, store %s, rss %s, snapshot min/avg/max %s/%s/%s",
				s.state.Online(), depth,
				ss.Queued, ss.Replayed, ss.Exhausted,
				ss.NetworkReads, ss.CacheHits, ss.OfflineResponses,
				disk, rss,
				humanize.IBytes(ss.MinSnapshotBytes),
				humanize.IBytes(ss.AvgSnapshotBytes),
				humanize.IBytes(ss.MaxSnapshotBytes),
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
