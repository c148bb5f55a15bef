// Package relay turns navigation events from rendered pages into new proxy
// requests. Each viewer session carries a generation counter: a newer
// navigation cancels the older one, and a result that is no longer the latest
// is discarded.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"viewport-proxy/internal/config"
	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
)

var (
	// ErrSuperseded is returned when a newer navigation was issued for the
	// same session before this one completed.
	ErrSuperseded = errors.New("navigation superseded by a newer request")

	// ErrInvalidSession is returned for a session ID that is not a UUID.
	ErrInvalidSession = errors.New("invalid session id")
)

const (
	defaultSessionTTL  = 30 * time.Minute
	defaultMaxSessions = 10000
)

// Proxier runs one target request through the proxy pipeline.
type Proxier interface {
	Proxy(ctx context.Context, req model.TargetRequest) *model.ProxyResult
}

// Outcome is the result of one accepted navigation.
type Outcome struct {
	Session string
	Seq     uint64
	Result  *model.ProxyResult
}

type session struct {
	seq      uint64
	current  string // URL of the last delivered page
	lastSeen time.Time

	// In-flight navigation; cancel is nil when idle.
	pending string
	ctx     context.Context
	cancel  context.CancelFunc
}

// Relay tracks viewer sessions. It is safe for concurrent use.
type Relay struct {
	proxier     Proxier
	ttl         time.Duration
	maxSessions int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu        sync.Mutex
	sessions  map[string]*session
	nextSweep time.Time
	group     singleflight.Group
	now       func() time.Time
}

// New creates a Relay. The metrics parameter is optional.
func New(cfg *config.Config, p Proxier, logger *slog.Logger, m *metrics.Metrics) *Relay {
	ttl := time.Duration(cfg.Relay.SessionTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	maxSessions := cfg.Relay.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Relay{
		proxier:     p,
		ttl:         ttl,
		maxSessions: maxSessions,
		logger:      logger.With("component", "relay"),
		metrics:     m,
		sessions:    make(map[string]*session),
		now:         time.Now,
	}
}

// Navigate issues a navigation for the session. An empty sessionID starts a
// new session. Repeated delivery of the URL already in flight joins that
// request instead of starting another one.
func (r *Relay) Navigate(ctx context.Context, sessionID string, ev model.NavigationEvent) (*Outcome, error) {
	id, err := normalizeSession(sessionID)
	if err != nil {
		return nil, err
	}

	s, seq, flightCtx := r.begin(id, ev.URL)
	key := id + "\x00" + strconv.FormatUint(seq, 10) + "\x00" + ev.URL

	ch := r.group.DoChan(key, func() (any, error) {
		res := r.proxier.Proxy(flightCtx, ev.Request(seq))
		r.finish(s, seq)
		return res, nil
	})

	var res *model.ProxyResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v := <-ch:
		res = v.Val.(*model.ProxyResult)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.seq != seq {
		if r.metrics != nil {
			r.metrics.RelaySuperseded.Inc()
		}
		r.logger.Debug("navigation superseded",
			"session", id,
			"seq", seq,
			"latest", s.seq,
		)
		return nil, fmt.Errorf("%w: seq %d, latest %d", ErrSuperseded, seq, s.seq)
	}
	if res.Kind == model.Success {
		s.current = res.URL
	}
	return &Outcome{Session: id, Seq: seq, Result: res}, nil
}

// begin registers the navigation and returns the context its fetch runs
// under. A different URL supersedes the in-flight navigation.
func (r *Relay) begin(id, rawURL string) (*session, uint64, context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	s, ok := r.sessions[id]
	if !ok {
		r.evictLocked()
		s = &session{}
		r.sessions[id] = s
		r.updateGaugeLocked()
	}
	s.lastSeen = now

	if s.cancel != nil && s.pending == rawURL {
		return s, s.seq, s.ctx
	}
	if s.cancel != nil {
		s.cancel()
	}

	// The fetch outlives any single caller so joined callers keep their
	// result; supersession and Close are what cancel it.
	ctx, cancel := context.WithCancel(context.Background())
	s.seq++
	s.pending = rawURL
	s.cancel = cancel
	s.ctx = ctx
	return s, s.seq, ctx
}

func (r *Relay) finish(s *session, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.seq == seq && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.ctx = nil
		s.pending = ""
	}
}

// sweepLocked drops idle sessions, at most once per quarter TTL.
func (r *Relay) sweepLocked(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	r.nextSweep = now.Add(r.ttl / 4)

	expired := 0
	for id, s := range r.sessions {
		if s.cancel == nil && now.Sub(s.lastSeen) > r.ttl {
			delete(r.sessions, id)
			expired++
		}
	}
	if expired > 0 {
		r.logger.Debug("expired idle sessions", "count", expired)
		r.updateGaugeLocked()
	}
}

// evictLocked makes room for one session by dropping the least recently
// seen one.
func (r *Relay) evictLocked() {
	if len(r.sessions) < r.maxSessions {
		return
	}
	var oldestID string
	var oldest *session
	for id, s := range r.sessions {
		if oldest == nil || s.lastSeen.Before(oldest.lastSeen) {
			oldestID, oldest = id, s
		}
	}
	if oldest == nil {
		return
	}
	if oldest.cancel != nil {
		oldest.cancel()
	}
	delete(r.sessions, oldestID)
	r.logger.Info("session evicted", "session", oldestID, "max_sessions", r.maxSessions)
}

func (r *Relay) updateGaugeLocked() {
	if r.metrics != nil {
		r.metrics.RelaySessions.Set(float64(len(r.sessions)))
	}
}

// Current returns the URL of the last page delivered to the session.
func (r *Relay) Current(sessionID string) (string, bool) {
	id, err := normalizeSession(sessionID)
	if err != nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.current == "" {
		return "", false
	}
	return s.current, true
}

// Sessions returns the number of tracked sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close cancels every in-flight navigation.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.cancel != nil {
			s.cancel()
		}
	}
}

func normalizeSession(sessionID string) (string, error) {
	if sessionID == "" {
		return uuid.NewString(), nil
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	return id.String(), nil
}
