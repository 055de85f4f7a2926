package masjeedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerSource   = "X-Masjeed-Source"
	headerCachedAt = "X-Masjeed-Cached-At"
	headerCacheAge = "X-Masjeed-Cache-Age"
	headerQueueID  = "X-Masjeed-Queue-Id"

	// headerCategory lets the caller pick the queue category of a write.
	headerCategory = "X-Masjeed-Category"
)

// Interceptor is an http.RoundTripper that caches reads and defers writes.
//
//   - auth endpoints always go to the network and fail verbatim;
//   - writes that cannot reach the origin are queued and answered with 202;
//   - reads are cached on success and served from cache (or a structured
//     offline body) on failure.
type Interceptor struct {
	next         http.RoundTripper
	store        Store
	queue        *Manager
	rules        []Rule
	authPrefixes []string
	stats        *statsCollector
	now          func() time.Time

	unreachableLog *rateLimitedLogger
}

func NewInterceptor(next http.RoundTripper, store Store, queue *Manager, cfg Config) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Interceptor{
		next:           next,
		store:          store,
		queue:          queue,
		rules:          cfg.Rules,
		authPrefixes:   cfg.Auth.Prefixes,
		now:            time.Now,
		unreachableLog: newRateLimitedLogger(time.Minute),
	}
}

func isWriteMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (ic *Interceptor) isAuthPath(path string) bool {
	for _, p := range ic.authPrefixes {
		if strings.HasPrefix(path, p) || path == strings.TrimRight(p, "/") {
			return true
		}
	}
	return false
}

func (ic *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path

	if ic.isAuthPath(path) {
		resp, err := ic.next.RoundTrip(req)
		if ic.stats != nil && (err != nil || resp.StatusCode >= 400) {
			ic.stats.authFailures.Add(1)
		}
		return resp, err
	}

	rule := pickRule(ic.rules, path)
	if rule != nil && rule.Bypass {
		return ic.next.RoundTrip(req)
	}

	switch {
	case isWriteMethod(req.Method):
		return ic.roundTripWrite(req, rule)
	case req.Method == http.MethodGet:
		return ic.roundTripRead(req, rule)
	default:
		return ic.next.RoundTrip(req)
	}
}

func (ic *Interceptor) roundTripWrite(req *http.Request, rule *Rule) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, &SerializationError{URL: req.URL.String(), Err: err}
		}
		body = b
	}

	category := Category(req.Header.Get(headerCategory))
	if category == "" && rule != nil {
		category = rule.Category
	}

	out := req.Clone(req.Context())
	out.Header.Del(headerCategory)
	setBody(out, body)

	resp, err := ic.next.RoundTrip(out)
	if err == nil && resp.StatusCode < 500 {
		setSourceHeaders(resp.Header, SourceNetwork)
		return resp, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, ctxErr
	}

	netErr := &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	if resp != nil {
		netErr.Status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	ic.unreachableLog.Printf("interceptor: %v, queueing write", netErr)

	id, qerr := ic.queue.Enqueue(context.WithoutCancel(req.Context()), EnqueueRequest{
		URL:      req.URL.String(),
		Method:   req.Method,
		Body:     body,
		Headers:  captureHeaders(out.Header),
		Category: category,
	})
	if qerr != nil {
		return nil, qerr
	}
	if category == "" {
		category = CategoryGeneral
	}

	payload, _ := json.Marshal(map[string]any{
		"queued":   true,
		"id":       id,
		"category": category,
		"message":  "Request saved offline and will be sent when the connection returns",
	})
	resp = syntheticResponse(req, http.StatusAccepted, payload, SourceQueued)
	resp.Header.Set(headerQueueID, id)
	return resp, nil
}

func (ic *Interceptor) roundTripRead(req *http.Request, rule *Rule) (*http.Response, error) {
	resp, err := ic.next.RoundTrip(req)
	if err == nil && resp.StatusCode < 500 {
		if ic.stats != nil {
			ic.stats.networkReads.Add(1)
		}
		if rule == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			setSourceHeaders(resp.Header, SourceNetwork)
			return resp, nil
		}
		return ic.storeSnapshot(req, rule, resp)
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, ctxErr
	}

	// A 5xx is kept so it can be returned when no snapshot exists: the
	// origin answered, so "offline" would be the wrong story.
	var upstream []byte
	if resp != nil {
		upstream, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}

	if rule != nil {
		snap, serr := loadSnapshot(req.Context(), ic.store, rule.Collection, snapshotKey(req))
		switch {
		case serr == nil:
			if ic.stats != nil {
				ic.stats.cacheHits.Add(1)
			}
			return ic.cachedResponse(req, snap), nil
		case !errors.Is(serr, ErrNotFound):
			log.Printf("interceptor: snapshot lookup %s: %v", req.URL.Path, serr)
		}
	}

	if resp != nil {
		resp.Body = io.NopCloser(bytes.NewReader(upstream))
		resp.ContentLength = int64(len(upstream))
		setSourceHeaders(resp.Header, SourceNetwork)
		return resp, nil
	}

	ic.unreachableLog.Printf("interceptor: GET %s unreachable: %v", req.URL.Path, err)
	if ic.stats != nil {
		ic.stats.offlineResponses.Add(1)
	}
	resource := "general"
	if rule != nil {
		resource = rule.Resource
	}
	return offlineResponse(req, resource), nil
}

func (ic *Interceptor) storeSnapshot(req *http.Request, rule *Rule, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	now := ic.now().UTC()
	snap := CachedSnapshot{
		ID:          snapshotKey(req),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Payload:     body,
		StoredAt:    now,
	}
	if rule.ttlDur > 0 {
		snap.ExpiresAt = now.Add(rule.ttlDur)
	}
	if err := putJSON(req.Context(), ic.store, rule.Collection, snap.ID, snap, snap.ExpiresAt); err != nil {
		log.Printf("interceptor: cache %s: %v", snap.ID, err)
	} else if ic.stats != nil {
		ic.stats.observeSnapshot(len(body))
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	setSourceHeaders(resp.Header, SourceNetwork)
	return resp, nil
}

func (ic *Interceptor) cachedResponse(req *http.Request, snap CachedSnapshot) *http.Response {
	resp := syntheticResponse(req, snap.Status, snap.Payload, SourceCache)
	if snap.ContentType != "" {
		resp.Header.Set("Content-Type", snap.ContentType)
	}
	resp.Header.Set(headerCachedAt, snap.StoredAt.UTC().Format(time.RFC3339))
	age := ic.now().Sub(snap.StoredAt)
	if age < 0 {
		age = 0
	}
	resp.Header.Set(headerCacheAge, strconv.FormatInt(int64(age/time.Second), 10))
	return resp
}

func offlineResponse(req *http.Request, resource string) *http.Response {
	payload, _ := json.Marshal(map[string]any{
		"error":    "offline",
		"offline":  true,
		"resource": resource,
		"message":  fmt.Sprintf("%s unavailable offline", resource),
	})
	return syntheticResponse(req, http.StatusServiceUnavailable, payload, SourceOffline)
}

func syntheticResponse(req *http.Request, status int, body []byte, source string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	setSourceHeaders(h, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// snapshotKey is the path plus query of the request.
func snapshotKey(req *http.Request) string {
	return req.URL.RequestURI()
}

func setBody(req *http.Request, body []byte) {
	if body == nil {
		req.Body = http.NoBody
		req.GetBody = nil
		req.ContentLength = 0
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
}

var skipCapture = map[string]struct{}{
	"Content-Length":    {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
	"Host":              {},
}

// captureHeaders flattens h for replay, keeping the first value of each
// header. Authorization survives so the replay carries the bearer token.
func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if _, skip := skipCapture[http.CanonicalHeaderKey(k)]; skip || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	// Custom headers are unreadable from browser JS unless exposed.
	ensureExposedHeader(h, headerSource)
	ensureExposedHeader(h, headerCachedAt)
	ensureExposedHeader(h, headerCacheAge)
	ensureExposedHeader(h, headerQueueID)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
