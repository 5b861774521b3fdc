// Package inspect captures forwarded HTTP exchanges for later inspection
// through the API. The store is bounded in count and in age; recording is
// best effort and never blocks or fails the proxy hot path.
package inspect

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/common"
)

// sensitiveHeaders are redacted in sanitized views of an exchange.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
}

// Redacted replaces sensitive header values in sanitized output.
const Redacted = "[REDACTED]"

// CapturedRequest is the request half of an exchange.
type CapturedRequest struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	Headers  map[string]string `json:"headers"`
	Body     []byte            `json:"body,omitempty"`
	ClientIP string            `json:"clientIp"`
}

// CapturedResponse is the response half of an exchange. Nil until the
// agent replies; an exchange that failed carries Error instead.
type CapturedResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	DurationMS int64             `json:"durationMs"`
}

// Exchange is one captured request/response pair. A successful exchange
// carries its elapsed time on Response; a failed one carries it in
// DurationMS alongside Error.
type Exchange struct {
	RequestID  string            `json:"requestId"`
	TunnelID   string            `json:"tunnelId"`
	Subdomain  string            `json:"subdomain"`
	CapturedAt time.Time         `json:"capturedAt"`
	Request    CapturedRequest   `json:"request"`
	Response   *CapturedResponse `json:"response,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"durationMs,omitempty"`
}

// Listener observes captured exchanges. Callbacks run outside the store
// lock.
type Listener func(*Exchange)

// Filter narrows a List query. Zero values mean no constraint.
type Filter struct {
	TunnelID   string
	Method     string
	StatusCode int
	PathRegex  *regexp.Regexp
	Since      time.Time
	Limit      int
	Offset     int
}

// DefaultListLimit applies when a query names no limit.
const DefaultListLimit = 50

// Store holds captured exchanges under global and per-tunnel bounds.
// Eviction is oldest first. The retention window applies at query time
// as well as on the sweep, so an expired exchange is never returned even
// before the sweeper reaches it.
type Store struct {
	mu sync.RWMutex

	byRequestID map[string]*Exchange
	ordered     []*Exchange
	perTunnel   map[string][]*Exchange

	maxGlobal    int
	maxPerTunnel int
	retention    time.Duration

	listeners []Listener
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store with the configured bounds.
func NewStore(cfg common.InspectorConfig, logger *slog.Logger) *Store {
	return &Store{
		byRequestID:  make(map[string]*Exchange),
		perTunnel:    make(map[string][]*Exchange),
		maxGlobal:    cfg.MaxExchanges,
		maxPerTunnel: cfg.MaxExchanges / 2,
		retention:    cfg.Retention,
		logger:       logger.With("component", "inspector"),
	}
}

// Start launches the periodic retention sweep.
func (s *Store) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// AddListener registers an observer for newly captured exchanges.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// RecordRequest captures the request half of an exchange as it is
// forwarded to the agent.
func (s *Store) RecordRequest(requestID, tunnelID, subdomain string, req CapturedRequest) {
	ex := &Exchange{
		RequestID:  requestID,
		TunnelID:   tunnelID,
		Subdomain:  subdomain,
		CapturedAt: time.Now(),
		Request:    req,
	}

	s.mu.Lock()
	s.byRequestID[requestID] = ex
	s.ordered = append(s.ordered, ex)
	s.perTunnel[tunnelID] = append(s.perTunnel[tunnelID], ex)
	s.enforceBoundsLocked(tunnelID)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ex)
	}
}

// RecordResponse attaches the response half to a captured exchange. A
// response for an unknown id is logged and dropped; the exchange may have
// been evicted while the request was in flight.
func (s *Store) RecordResponse(requestID string, resp CapturedResponse) {
	s.mu.Lock()
	ex, ok := s.byRequestID[requestID]
	if ok {
		ex.Response = &resp
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("response for unknown exchange", "request_id", requestID)
	}
}

// RecordError marks a captured exchange as failed after the given
// elapsed time.
func (s *Store) RecordError(requestID, errMsg string, durationMS int64) {
	s.mu.Lock()
	ex, ok := s.byRequestID[requestID]
	if ok {
		ex.Error = errMsg
		ex.DurationMS = durationMS
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("error for unknown exchange", "request_id", requestID)
	}
}

// Get returns the exchange for a request id, or false if it is unknown or
// older than the retention window. The returned copy is sanitized when
// sanitize is set.
func (s *Store) Get(requestID string, sanitize bool) (*Exchange, bool) {
	s.mu.RLock()
	ex, ok := s.byRequestID[requestID]
	s.mu.RUnlock()

	if !ok || s.expired(ex, time.Now()) {
		return nil, false
	}
	return s.view(ex, sanitize), true
}

// List returns exchanges newest first, filtered and paginated. Expired
// exchanges are excluded regardless of sweep timing.
func (s *Store) List(f Filter, sanitize bool) []*Exchange {
	now := time.Now()

	s.mu.RLock()
	var source []*Exchange
	if f.TunnelID != "" {
		source = s.perTunnel[f.TunnelID]
	} else {
		source = s.ordered
	}
	matched := make([]*Exchange, 0, len(source))
	for _, ex := range source {
		if s.expired(ex, now) {
			continue
		}
		if !matches(ex, f) {
			continue
		}
		matched = append(matched, ex)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CapturedAt.After(matched[j].CapturedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if f.Offset >= len(matched) {
		return []*Exchange{}
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Exchange, len(matched))
	for i, ex := range matched {
		out[i] = s.view(ex, sanitize)
	}
	return out
}

// Count returns the number of retained exchanges.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

func matches(ex *Exchange, f Filter) bool {
	if f.Method != "" && !strings.EqualFold(ex.Request.Method, f.Method) {
		return false
	}
	if f.StatusCode != 0 {
		if ex.Response == nil || ex.Response.StatusCode != f.StatusCode {
			return false
		}
	}
	if f.PathRegex != nil && !f.PathRegex.MatchString(ex.Request.Path) {
		return false
	}
	if !f.Since.IsZero() && ex.CapturedAt.Before(f.Since) {
		return false
	}
	return true
}

func (s *Store) expired(ex *Exchange, now time.Time) bool {
	return s.retention > 0 && now.Sub(ex.CapturedAt) > s.retention
}

// enforceBoundsLocked evicts oldest exchanges past the per-tunnel and
// global caps. Caller holds the write lock.
func (s *Store) enforceBoundsLocked(tunnelID string) {
	if s.maxPerTunnel > 0 {
		for len(s.perTunnel[tunnelID]) > s.maxPerTunnel {
			s.evictLocked(s.perTunnel[tunnelID][0])
		}
	}
	if s.maxGlobal > 0 {
		for len(s.ordered) > s.maxGlobal {
			s.evictLocked(s.ordered[0])
		}
	}
}

func (s *Store) evictLocked(victim *Exchange) {
	delete(s.byRequestID, victim.RequestID)
	s.ordered = remove(s.ordered, victim)
	tl := remove(s.perTunnel[victim.TunnelID], victim)
	if len(tl) == 0 {
		delete(s.perTunnel, victim.TunnelID)
	} else {
		s.perTunnel[victim.TunnelID] = tl
	}
}

func remove(list []*Exchange, victim *Exchange) []*Exchange {
	for i, ex := range list {
		if ex == victim {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// sweep drops exchanges past the retention window.
func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	var victims []*Exchange
	for _, ex := range s.ordered {
		if s.expired(ex, now) {
			victims = append(victims, ex)
		}
	}
	for _, v := range victims {
		s.evictLocked(v)
	}
	s.mu.Unlock()

	if len(victims) > 0 {
		s.logger.Debug("swept expired exchanges", "count", len(victims))
	}
}

// view deep-copies an exchange, redacting sensitive headers when asked.
// Sanitization applies to API views only, never to curl synthesis.
func (s *Store) view(ex *Exchange, sanitize bool) *Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &Exchange{
		RequestID:  ex.RequestID,
		TunnelID:   ex.TunnelID,
		Subdomain:  ex.Subdomain,
		CapturedAt: ex.CapturedAt,
		Error:      ex.Error,
		DurationMS: ex.DurationMS,
		Request: CapturedRequest{
			Method:   ex.Request.Method,
			Path:     ex.Request.Path,
			Query:    copyMap(ex.Request.Query, false),
			Headers:  copyMap(ex.Request.Headers, sanitize),
			Body:     append([]byte(nil), ex.Request.Body...),
			ClientIP: ex.Request.ClientIP,
		},
	}
	if ex.Response != nil {
		out.Response = &CapturedResponse{
			StatusCode: ex.Response.StatusCode,
			Headers:    copyMap(ex.Response.Headers, sanitize),
			Body:       append([]byte(nil), ex.Response.Body...),
			DurationMS: ex.Response.DurationMS,
		}
	}
	return out
}

func copyMap(m map[string]string, sanitize bool) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if sanitize {
			if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
				out[k] = Redacted
				continue
			}
		}
		out[k] = v
	}
	return out
}
