package server

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/protocol"
)

// subdomainRegex validates requested subdomain labels. Generated labels
// satisfy it by construction.
var subdomainRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

const (
	// minSubdomainLen and maxSubdomainLen bound requested labels.
	minSubdomainLen = 4
	maxSubdomainLen = 32
)

// Tunnel is one live binding between a public subdomain and an agent's
// control channel.
type Tunnel struct {
	ID        string
	Subdomain string
	LocalPort int
	ChannelID string
	CreatedAt time.Time

	lastActivity atomic.Int64
	requestCount atomic.Int64
	errorCount   atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64

	// Pending tracks this tunnel's in-flight forwarded requests.
	Pending *PendingTable
}

// Touch records activity on the tunnel.
func (t *Tunnel) Touch() {
	t.lastActivity.Store(time.Now().UnixMilli())
}

// CountRequest bumps the request counter and activity timestamp.
func (t *Tunnel) CountRequest(bytesIn int64) {
	t.requestCount.Add(1)
	t.bytesIn.Add(bytesIn)
	t.Touch()
}

// CountResponse accumulates response bytes.
func (t *Tunnel) CountResponse(bytesOut int64) {
	t.bytesOut.Add(bytesOut)
	t.Touch()
}

// CountError bumps the failed-exchange counter.
func (t *Tunnel) CountError() {
	t.errorCount.Add(1)
}

// Stats returns a point-in-time snapshot of the tunnel's counters.
func (t *Tunnel) Stats() (requests, errors, bytesIn, bytesOut, lastActivityMillis int64) {
	return t.requestCount.Load(), t.errorCount.Load(), t.bytesIn.Load(), t.bytesOut.Load(), t.lastActivity.Load()
}

// TunnelListener observes tunnel lifecycle transitions. Callbacks run
// outside the registry lock.
type TunnelListener struct {
	Created func(*Tunnel)
	Closed  func(*Tunnel, string)
}

// Registry owns all live tunnels. Three indices cover the lookup paths:
// by subdomain for public routing, by tunnel id for the API, and by
// channel id for teardown when an agent disconnects. The indices always
// agree under the lock.
type Registry struct {
	mu sync.RWMutex

	bySubdomain map[string]*Tunnel
	byID        map[string]*Tunnel
	byChannel   map[string]map[string]*Tunnel

	reserved      map[string]struct{}
	maxPerChannel int

	listeners []TunnelListener
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *common.Config, logger *slog.Logger) *Registry {
	reserved := make(map[string]struct{}, len(cfg.ReservedSubdomains))
	for _, s := range cfg.ReservedSubdomains {
		reserved[strings.ToLower(s)] = struct{}{}
	}
	return &Registry{
		bySubdomain:   make(map[string]*Tunnel),
		byID:          make(map[string]*Tunnel),
		byChannel:     make(map[string]map[string]*Tunnel),
		reserved:      reserved,
		maxPerChannel: cfg.MaxTunnelsPerChannel,
		logger:        logger,
	}
}

// AddListener registers a lifecycle observer. Listeners added after a
// tunnel was created only see later transitions.
func (r *Registry) AddListener(l TunnelListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// ValidateSubdomain checks a requested label against the grammar and
// length bounds. Reservation and availability are checked separately.
func ValidateSubdomain(subdomain string) error {
	if len(subdomain) < minSubdomainLen || len(subdomain) > maxSubdomainLen {
		return protocol.ErrSubdomainInvalid
	}
	if !subdomainRegex.MatchString(subdomain) {
		return protocol.ErrSubdomainInvalid
	}
	return nil
}

// Register allocates a tunnel on the given channel. An empty requested
// subdomain means the registry picks a free generated label. The returned
// tunnel is live and routable before Register returns.
func (r *Registry) Register(channelID, requested string, localPort int, pendingLogger *slog.Logger) (*Tunnel, error) {
	requested = strings.ToLower(requested)

	if requested != "" {
		if err := ValidateSubdomain(requested); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()

	if len(r.byChannel[channelID]) >= r.maxPerChannel {
		r.mu.Unlock()
		return nil, protocol.ErrTunnelLimitExceeded
	}

	subdomain := requested
	if subdomain == "" {
		for {
			candidate := common.NewSubdomain()
			if _, taken := r.bySubdomain[candidate]; taken {
				continue
			}
			if _, res := r.reserved[candidate]; res {
				continue
			}
			subdomain = candidate
			break
		}
	} else {
		if _, res := r.reserved[subdomain]; res {
			r.mu.Unlock()
			return nil, protocol.ErrSubdomainTaken
		}
		if _, taken := r.bySubdomain[subdomain]; taken {
			r.mu.Unlock()
			return nil, protocol.ErrSubdomainTaken
		}
	}

	id := common.NewTunnelID()
	for {
		if _, taken := r.byID[id]; !taken {
			break
		}
		id = common.NewTunnelID()
	}

	tunnel := &Tunnel{
		ID:        id,
		Subdomain: subdomain,
		LocalPort: localPort,
		ChannelID: channelID,
		CreatedAt: time.Now(),
		Pending:   NewPendingTable(pendingLogger),
	}
	tunnel.Touch()

	r.bySubdomain[subdomain] = tunnel
	r.byID[id] = tunnel
	if r.byChannel[channelID] == nil {
		r.byChannel[channelID] = make(map[string]*Tunnel)
	}
	r.byChannel[channelID][id] = tunnel

	listeners := append([]TunnelListener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info("tunnel registered",
		"tunnel_id", tunnel.ID,
		"subdomain", tunnel.Subdomain,
		"channel_id", channelID)

	for _, l := range listeners {
		if l.Created != nil {
			l.Created(tunnel)
		}
	}

	return tunnel, nil
}

// Close removes a tunnel. It is idempotent: closing an unknown id returns
// ErrTunnelNotFound and changes nothing. In-flight requests fail with the
// close reason.
func (r *Registry) Close(tunnelID, reason string) error {
	r.mu.Lock()
	tunnel, ok := r.byID[tunnelID]
	if !ok {
		r.mu.Unlock()
		return protocol.ErrTunnelNotFound
	}

	delete(r.byID, tunnelID)
	delete(r.bySubdomain, tunnel.Subdomain)
	if chanTunnels, ok := r.byChannel[tunnel.ChannelID]; ok {
		delete(chanTunnels, tunnelID)
		if len(chanTunnels) == 0 {
			delete(r.byChannel, tunnel.ChannelID)
		}
	}
	listeners := append([]TunnelListener(nil), r.listeners...)
	r.mu.Unlock()

	tunnel.Pending.FailAll(protocol.NewError(protocol.CodeRequestFailed, "Tunnel closed: "+reason, nil))

	r.logger.Info("tunnel closed",
		"tunnel_id", tunnelID,
		"subdomain", tunnel.Subdomain,
		"reason", reason)

	for _, l := range listeners {
		if l.Closed != nil {
			l.Closed(tunnel, reason)
		}
	}

	return nil
}

// CloseAllForChannel tears down every tunnel owned by a channel.
func (r *Registry) CloseAllForChannel(channelID, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byChannel[channelID]))
	for id := range r.byChannel[channelID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Close(id, reason)
	}
}

// CloseAll tears down every live tunnel. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Close(id, reason)
	}
}

// Lookup resolves a subdomain to its live tunnel. Matching is
// case-insensitive; labels are stored folded.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubdomain[strings.ToLower(subdomain)]
	return t, ok
}

// LookupByID resolves a tunnel id.
func (r *Registry) LookupByID(tunnelID string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[tunnelID]
	return t, ok
}

// Owns reports whether the channel owns the tunnel id.
func (r *Registry) Owns(channelID, tunnelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byChannel[channelID][tunnelID]
	return ok
}

// ListByChannel returns the tunnels owned by a channel.
func (r *Registry) ListByChannel(channelID string) []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tunnels := make([]*Tunnel, 0, len(r.byChannel[channelID]))
	for _, t := range r.byChannel[channelID] {
		tunnels = append(tunnels, t)
	}
	return tunnels
}

// List returns all live tunnels.
func (r *Registry) List() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tunnels := make([]*Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		tunnels = append(tunnels, t)
	}
	return tunnels
}

// Count returns the number of live tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
