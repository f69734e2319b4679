package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
	"github.com/AlibekovAA/clinic-auth/internal/common/jwtverify"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
)

// API is the server side of a session. AuthClient implements it.
type API interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

type Options struct {
	RenewSkew      time.Duration
	RefreshTimeout time.Duration
	Clock          clock.Clock
	Log            *logger.Logger
}

const (
	refreshResultSuccess   = "success"
	refreshResultFailure   = "failure"
	refreshResultDiscarded = "discarded"
	refreshResultAdopted   = "adopted"
)

// Manager is the session state machine. At most one refresh is in flight;
// concurrent triggers wait for its outcome. Managers sharing a store redeem
// each refresh token once between them. A failed refresh ends the session
// and clears the store unless another holder has already replaced the pair.
//
// Lock order is storeMu, then mu. storeMu serializes this manager's store
// reads and writes with the decisions taken on them; mu guards memory only
// and is never held across I/O.
type Manager struct {
	store   TokenStore
	api     API
	clock   clock.Clock
	skew    time.Duration
	timeout time.Duration
	log     *logger.Logger

	group singleflight.Group

	lifetime         context.Context
	cancel           context.CancelFunc
	unsubscribeStore func()

	storeMu sync.Mutex

	mu       sync.Mutex
	state    State
	identity Identity
	tokens   TokenPair
	// gen changes whenever the session is replaced from outside a refresh
	// (login, logout, store change); a refresh started under an older gen
	// is discarded.
	gen      uint64
	timer    clock.Timer
	timerSeq uint64
	closed   bool

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewManager(store TokenStore, api API, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.RenewSkew <= 0 {
		opts.RenewSkew = constants.DefaultSessionRenewSkew
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = constants.DefaultSessionRefreshTimeout
	}

	lifetime, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		api:      api,
		clock:    opts.Clock,
		skew:     opts.RenewSkew,
		timeout:  opts.RefreshTimeout,
		log:      opts.Log,
		lifetime: lifetime,
		cancel:   cancel,
		subs:     make(map[int]func(Snapshot)),
	}
	m.unsubscribeStore = store.Subscribe(m.onStoreChanged)
	return m
}

// Start adopts whatever the store holds. An access token that has already
// expired is renewed before Start returns.
func (m *Manager) Start(ctx context.Context) error {
	m.storeMu.Lock()
	pair, err := m.store.Load(ctx)
	if err != nil {
		m.storeMu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return ErrSessionClosed
	}
	snap, adopted, expired := m.adoptLocked(pair)
	m.mu.Unlock()

	if !adopted && !pair.IsZero() {
		m.clearStoreIf(ctx, pair.RefreshToken)
	}
	m.storeMu.Unlock()
	m.publish(snap)

	if expired {
		if err := m.refresh(ctx); err != nil {
			m.log.WithFields(ctx, logger.Fields{
				"action": "session_start_refresh_failed",
			}).Infof("stored session could not be renewed: %v", err)
		}
	}
	return nil
}

// Login installs a freshly issued pair.
func (m *Manager) Login(ctx context.Context, pair TokenPair) error {
	identity, err := decodeIdentity(pair.AccessToken)
	if err != nil {
		return err
	}
	if pair.RefreshToken == "" {
		return ErrMalformedResponse
	}

	m.storeMu.Lock()
	if m.isClosed() {
		m.storeMu.Unlock()
		return ErrSessionClosed
	}
	if err := m.store.Save(ctx, pair); err != nil {
		m.storeMu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return ErrSessionClosed
	}
	m.gen++
	snap := m.authenticateLocked(pair, identity)
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.publish(snap)

	m.log.WithFields(ctx, logger.Fields{
		"user_id": identity.Subject,
		"role":    identity.Role,
		"action":  "session_login",
	}).Info("session started")
	return nil
}

// Logout ends the session locally and then asks the server to revoke the
// refresh token. A refresh in flight is discarded when it returns.
func (m *Manager) Logout(ctx context.Context) error {
	m.storeMu.Lock()
	m.mu.Lock()
	refreshToken := m.tokens.RefreshToken
	m.gen++
	snap, changed := m.logOutLocked()
	m.mu.Unlock()
	err := m.store.Clear(ctx)
	m.storeMu.Unlock()

	if changed {
		m.publish(snap)
	}

	if refreshToken != "" {
		revokeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		if revokeErr := m.api.Logout(revokeCtx, refreshToken); revokeErr != nil {
			m.log.WithFields(ctx, logger.Fields{
				"action": "session_logout_revoke_failed",
			}).Warnf("server logout failed: %v", revokeErr)
		}
		cancel()
	}
	return err
}

// Close stops the timer and detaches from the store. The stored session is
// left in place for the next process.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	m.mu.Unlock()

	m.unsubscribeStore()
	m.cancel()
}

// Refresh renews now, joining a refresh already in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

// HandleUnauthorized is called when the server rejected rejectedAccess. If
// that token has already been replaced nothing is sent.
func (m *Manager) HandleUnauthorized(ctx context.Context, rejectedAccess string) error {
	m.mu.Lock()
	state := m.state
	current := m.tokens.AccessToken
	m.mu.Unlock()

	if state == StateLoggedOut {
		return ErrNotAuthenticated
	}
	if rejectedAccess != "" && rejectedAccess != current {
		return nil
	}
	return m.refresh(ctx)
}

func (m *Manager) AccessToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoggedOut {
		return "", false
	}
	return m.tokens.AccessToken, true
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn for every state change. Calls are serialized.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.doRefresh()
	})
	select {
	case res := <-ch:
		// A login or a peer's renewal replaced the session meanwhile.
		if errors.Is(res.Err, ErrSessionChanged) && m.authenticated() {
			return nil
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// renewal names the refresh token being redeemed and the gen it belongs to.
// Transitions made while storeMu is held queue in pending and are published
// once it is released.
type renewal struct {
	gen     uint64
	token   string
	pending []Snapshot
}

func (m *Manager) doRefresh() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state == StateLoggedOut || m.tokens.RefreshToken == "" {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	r := renewal{gen: m.gen, token: m.tokens.RefreshToken}
	m.stopTimerLocked()
	m.state = StateRefreshing
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish(snap)

	for {
		granted, err := m.claim(&r)
		m.flush(&r)
		if err != nil || !granted {
			return err
		}
		retry, err := m.redeem(&r)
		m.flush(&r)
		if !retry {
			return err
		}
	}
}

func (m *Manager) flush(r *renewal) {
	for _, snap := range r.pending {
		m.publish(snap)
	}
	r.pending = r.pending[:0]
}

// claim waits until this manager may redeem r.token. It returns false when
// another holder of the store finished the renewal first and its pair was
// adopted instead.
func (m *Manager) claim(r *renewal) (bool, error) {
	lease := 2 * m.timeout
	for {
		m.storeMu.Lock()
		if m.stale(r.gen) {
			m.storeMu.Unlock()
			metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
			return false, ErrSessionChanged
		}

		ctx, cancel := m.storeContext()
		stored, granted, err := m.store.ClaimRefresh(ctx, r.token, lease)
		cancel()
		if err != nil {
			m.storeMu.Unlock()
			return false, m.endSession(r, fmt.Errorf("claim refresh: %w", err))
		}
		if granted {
			m.storeMu.Unlock()
			return true, nil
		}
		if stored.RefreshToken != r.token {
			retry, err := m.follow(r, stored)
			m.storeMu.Unlock()
			if err != nil || !retry {
				return false, err
			}
			continue
		}
		m.storeMu.Unlock()

		wait := time.NewTimer(constants.SessionClaimPollInterval)
		select {
		case <-m.lifetime.Done():
			wait.Stop()
			return false, ErrSessionClosed
		case <-wait.C:
		}
	}
}

// redeem trades r.token with the server and publishes the outcome to the
// store. retry reports that a peer's already expired pair was adopted and
// r now names it.
func (m *Manager) redeem(r *renewal) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(m.lifetime, m.timeout)
	pair, err := m.api.Refresh(ctx, r.token)
	cancel()

	var identity Identity
	if err == nil {
		identity, err = decodeIdentity(pair.AccessToken)
		if err == nil && pair.RefreshToken == "" {
			err = ErrMalformedResponse
		}
	}

	var orphan string
	defer func() {
		if orphan != "" {
			m.revoke(orphan)
		}
	}()

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	sctx, scancel := m.storeContext()
	defer scancel()

	if err != nil {
		if m.stale(r.gen) {
			metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
			return false, ErrSessionChanged
		}
		cleared, clearErr := m.store.ClearIf(sctx, r.token)
		if clearErr != nil {
			m.logStoreError("session_store_clear_failed", clearErr)
		}
		if cleared || clearErr != nil {
			return false, m.endSession(r, err)
		}
		return m.reload(sctx, r)
	}

	saved, saveErr := m.store.SaveIf(sctx, r.token, pair)
	if saveErr != nil {
		m.logStoreError("session_store_save_failed", saveErr)
		orphan = pair.RefreshToken
		if _, clearErr := m.store.ClearIf(sctx, r.token); clearErr != nil {
			m.logStoreError("session_store_clear_failed", clearErr)
		}
		return false, m.endSession(r, fmt.Errorf("persist renewed session: %w", saveErr))
	}
	if !saved {
		orphan = pair.RefreshToken
		if m.stale(r.gen) {
			metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
			return false, ErrSessionChanged
		}
		return m.reload(sctx, r)
	}

	m.mu.Lock()
	if m.closed || m.gen != r.gen {
		m.mu.Unlock()
		metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
		return false, ErrSessionChanged
	}
	r.pending = append(r.pending, m.authenticateLocked(pair, identity))
	m.mu.Unlock()

	metrics.SessionRefreshesTotal.WithLabelValues(refreshResultSuccess).Inc()
	m.log.WithFields(m.lifetime, logger.Fields{
		"user_id": identity.Subject,
		"action":  "session_refreshed",
	}).Debugf("session renewed until %s", identity.ExpiresAt.Format(time.RFC3339))
	return false, nil
}

// reload adopts whatever another holder left in the store after it moved
// away from r.token. Callers hold storeMu.
func (m *Manager) reload(ctx context.Context, r *renewal) (bool, error) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		return false, m.endSession(r, fmt.Errorf("reload session: %w", err))
	}
	return m.follow(r, stored)
}

// follow installs a pair written by another holder in place of the one
// being renewed. Callers hold storeMu.
func (m *Manager) follow(r *renewal, stored TokenPair) (bool, error) {
	m.mu.Lock()
	if m.closed || m.gen != r.gen {
		m.mu.Unlock()
		metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
		return false, ErrSessionChanged
	}
	m.gen++
	snap, adopted, expired := m.adoptLocked(stored)
	if expired {
		m.state = StateRefreshing
		snap = m.snapshotLocked()
	}
	r.gen = m.gen
	r.token = stored.RefreshToken
	r.pending = append(r.pending, snap)
	m.mu.Unlock()

	metrics.SessionRefreshesTotal.WithLabelValues(refreshResultAdopted).Inc()
	m.log.WithFields(m.lifetime, logger.Fields{
		"adopted": adopted,
		"action":  "session_refresh_followed",
	}).Debug("renewal finished by another holder of the session store")

	if !adopted {
		return false, ErrNotAuthenticated
	}
	return expired, nil
}

// endSession logs out after a failed renewal. The store has already been
// dealt with by the caller.
func (m *Manager) endSession(r *renewal, cause error) error {
	m.mu.Lock()
	if m.closed || m.gen != r.gen {
		m.mu.Unlock()
		metrics.SessionRefreshesTotal.WithLabelValues(refreshResultDiscarded).Inc()
		return ErrSessionChanged
	}
	m.gen++
	snap, _ := m.logOutLocked()
	r.pending = append(r.pending, snap)
	m.mu.Unlock()

	metrics.SessionRefreshesTotal.WithLabelValues(refreshResultFailure).Inc()
	m.log.WithFields(m.lifetime, logger.Fields{
		"action": "session_refresh_failed",
	}).Warnf("session ended: refresh failed: %v", cause)
	return cause
}

// revoke asks the server to drop a refresh token nobody will use.
func (m *Manager) revoke(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.api.Logout(ctx, refreshToken); err != nil {
		m.log.WithFields(ctx, logger.Fields{
			"action": "session_orphan_revoke_failed",
		}).Warnf("failed to revoke unused refresh token: %v", err)
	}
}

// onStoreChanged re-runs decode-or-logout on what another holder of the
// store wrote.
func (m *Manager) onStoreChanged() {
	m.storeMu.Lock()
	pair, err := m.store.Load(m.lifetime)
	if err != nil {
		m.storeMu.Unlock()
		m.log.Debugf("session store reload failed: %v", err)
		return
	}

	m.mu.Lock()
	if m.closed || pair == m.tokens {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return
	}
	m.gen++
	snap, adopted, expired := m.adoptLocked(pair)
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.publish(snap)

	if expired {
		go func() {
			if err := m.refresh(m.lifetime); err != nil {
				m.log.Debugf("renewal of adopted session failed: %v", err)
			}
		}()
	}

	m.log.WithFields(m.lifetime, logger.Fields{
		"adopted": adopted,
		"action":  "session_store_changed",
	}).Debug("session store changed")
}

// adoptLocked installs pair or logs out when it cannot be used. expired
// reports an access token already past its expiry; the timer is not armed
// for it and the caller must refresh.
func (m *Manager) adoptLocked(pair TokenPair) (snap Snapshot, adopted, expired bool) {
	if pair.RefreshToken == "" {
		snap, _ = m.logOutLocked()
		return snap, false, false
	}
	identity, err := decodeIdentity(pair.AccessToken)
	if err != nil {
		snap, _ = m.logOutLocked()
		return snap, false, false
	}

	if !m.clock.Now().Before(identity.ExpiresAt) {
		m.stopTimerLocked()
		m.tokens = pair
		m.identity = identity
		m.state = StateAuthenticated
		return m.snapshotLocked(), true, true
	}
	return m.authenticateLocked(pair, identity), true, false
}

func (m *Manager) authenticateLocked(pair TokenPair, identity Identity) Snapshot {
	m.tokens = pair
	m.identity = identity
	m.state = StateAuthenticated
	m.scheduleLocked(identity.ExpiresAt)
	return m.snapshotLocked()
}

func (m *Manager) logOutLocked() (Snapshot, bool) {
	m.stopTimerLocked()
	changed := m.state != StateLoggedOut
	m.state = StateLoggedOut
	m.identity = Identity{}
	m.tokens = TokenPair{}
	return m.snapshotLocked(), changed
}

// scheduleLocked arms the renewal timer skew before expiresAt. A delay that
// is already non-positive fires at once.
func (m *Manager) scheduleLocked(expiresAt time.Time) {
	m.stopTimerLocked()
	seq := m.timerSeq
	delay := expiresAt.Sub(m.clock.Now()) - m.skew
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(seq) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) onTimer(seq uint64) {
	m.mu.Lock()
	stale := m.closed || seq != m.timerSeq
	m.mu.Unlock()
	if stale {
		return
	}

	if err := m.refresh(m.lifetime); err != nil && !errors.Is(err, ErrSessionChanged) {
		m.log.Debugf("scheduled session renewal failed: %v", err)
	}
}

func (m *Manager) clearStoreIf(ctx context.Context, refreshToken string) {
	if _, err := m.store.ClearIf(ctx, refreshToken); err != nil {
		m.logStoreError("session_store_clear_failed", err)
	}
}

func (m *Manager) logStoreError(action string, err error) {
	m.log.WithFields(m.lifetime, logger.Fields{
		"action": action,
	}).Errorf("session store: %v", err)
}

// storeContext bounds store I/O done on behalf of a renewal. It outlives
// Close so that a finished renewal is still written for the next process.
func (m *Manager) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || m.gen != gen
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAuthenticated
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{State: m.state, Identity: m.identity}
}

func (m *Manager) publish(snap Snapshot) {
	metrics.SessionTransitionsTotal.WithLabelValues(snap.State.String()).Inc()

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, fn := range m.subs {
		fn(snap)
	}
}

func decodeIdentity(accessToken string) (Identity, error) {
	claims, err := jwtverify.DecodeUnverified(accessToken)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAtTime().UTC(),
	}, nil
}
