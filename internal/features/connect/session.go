package connect

// Wallet connection handshake: Idle -> Initiated -> {Bound, TimedOut, Disconnected}

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ton-club-bot/internal/clients_api/tonconnect"
	"ton-club-bot/internal/domain"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/infra/clock"
	"ton-club-bot/internal/infra/log"
	"ton-club-bot/internal/models"
)

// ErrSuperseded is returned by Await when a newer session started in the same chat
var ErrSuperseded = errors.New("connection session superseded")

type State int

const (
	StateIdle State = iota
	StateInitiated
	StateBound
	StateTimedOut
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateBound:
		return "bound"
	case StateTimedOut:
		return "timed_out"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Connector is one chat's wallet session
type Connector interface {
	Connect(ctx context.Context, wallet tonconnect.WalletApp) (string, error)
	Connected() bool
	Address() string
	Disconnect(ctx context.Context) error
	Restore(ctx context.Context) (bool, error)
	Pause()
}

// Session is one pending connect attempt
type Session struct {
	manager *Manager
	chatID  int64
	account models.Account
	wallet  tonconnect.WalletApp
	conn    Connector

	mu         sync.Mutex
	state      State
	superseded bool
	cancel     context.CancelFunc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// supersede stops the polling loop and the bridge listener, leaving storage to the newer session
func (s *Session) supersede() {
	s.mu.Lock()
	s.superseded = true
	s.state = StateDisconnected
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.conn.Pause()
}

// Await polls the connector once per tick until the wallet reports an address or the deadline passes
func (s *Session) Await(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.superseded {
		s.mu.Unlock()
		return "", ErrSuperseded
	}
	s.cancel = cancel
	s.mu.Unlock()

	m := s.manager
	deadline := m.clock.Now().Add(m.timeout)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			superseded := s.superseded
			s.mu.Unlock()
			if superseded {
				return "", ErrSuperseded
			}
			s.conn.Pause()
			return "", ctx.Err()
		case <-m.clock.After(m.tick):
		}

		if s.conn.Connected() {
			if addr := s.conn.Address(); addr != "" {
				return s.bind(ctx, addr)
			}
		}

		if !m.clock.Now().Before(deadline) {
			return "", s.timeout(ctx)
		}
	}
}

func (s *Session) bind(ctx context.Context, addr string) (string, error) {
	m := s.manager
	raw, err := m.ledger.Bind(ctx, s.account.ID, addr)
	if err != nil {
		if derr := s.conn.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			log.LogWarn("Failed to drop wallet session after bind failure", zap.Int64("chat_id", s.chatID), zap.Error(derr))
		}
		s.setState(StateDisconnected)
		m.forget(s)
		if errors.Is(err, domain.ErrAddressAlreadyLinked) {
			return "", err
		}
		log.LogError("Failed to bind wallet", zap.Int64("tg_id", s.account.ExternalID), zap.Error(err))
		return "", fmt.Errorf("bind wallet: %w", err)
	}

	s.conn.Pause()
	s.setState(StateBound)
	m.forget(s)

	if m.reconciler != nil {
		if err := m.reconciler.ReconcileAccount(ctx, s.account.ExternalID); err != nil {
			log.LogWarn("Failed to reconcile account after bind", zap.Int64("tg_id", s.account.ExternalID), zap.Error(err))
		}
	}
	log.LogSuccess("Wallet connected",
		zap.Int64("tg_id", s.account.ExternalID), zap.String("wallet", s.wallet.Name), zap.String("address", raw))
	return raw, nil
}

func (s *Session) timeout(ctx context.Context) error {
	if err := s.conn.Disconnect(context.WithoutCancel(ctx)); err != nil {
		log.LogWarn("Failed to drop timed out wallet session", zap.Int64("chat_id", s.chatID), zap.Error(err))
	}
	s.setState(StateTimedOut)
	s.manager.forget(s)
	log.LogInfo("Wallet connection timed out", zap.Int64("tg_id", s.account.ExternalID), zap.Duration("timeout", s.manager.timeout))
	return domain.ErrSessionTimeout
}

// AccountReconciler runs the single-account pass after a bind
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, externalID int64) error
}

// Wallets resolves wallet kinds
type Wallets interface {
	Wallets(ctx context.Context) ([]tonconnect.WalletApp, error)
	Get(ctx context.Context, name string) (tonconnect.WalletApp, error)
}

type Options struct {
	Timeout time.Duration
	Tick    time.Duration
}

// Manager owns at most one pending session per chat
type Manager struct {
	wallets      Wallets
	newConnector func(chatID int64) Connector
	ledger       *ledger.Ledger
	reconciler   AccountReconciler
	clock        clock.Clock
	timeout      time.Duration
	tick         time.Duration

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager(wallets Wallets, newConnector func(chatID int64) Connector, l *ledger.Ledger, rec AccountReconciler, clk clock.Clock, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Manager{
		wallets:      wallets,
		newConnector: newConnector,
		ledger:       l,
		reconciler:   rec,
		clock:        clk,
		timeout:      opts.Timeout,
		tick:         opts.Tick,
		sessions:     map[int64]*Session{},
	}
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Wallets lists the connectable wallets
func (m *Manager) Wallets(ctx context.Context) ([]tonconnect.WalletApp, error) {
	return m.wallets.Wallets(ctx)
}

// Initiate starts a session for the wallet kind and returns the wallet link
func (m *Manager) Initiate(ctx context.Context, chatID int64, account models.Account, walletKind string) (*Session, string, error) {
	wallet, err := m.wallets.Get(ctx, walletKind)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	prev := m.sessions[chatID]
	delete(m.sessions, chatID)
	m.mu.Unlock()
	if prev != nil {
		log.LogInfo("Superseding pending wallet session", zap.Int64("chat_id", chatID))
		prev.supersede()
	}

	conn := m.newConnector(chatID)
	uri, err := conn.Connect(ctx, wallet)
	if err != nil {
		return nil, "", fmt.Errorf("connect %s: %w", wallet.Name, err)
	}

	s := &Session{manager: m, chatID: chatID, account: account, wallet: wallet, conn: conn, state: StateInitiated}
	m.mu.Lock()
	m.sessions[chatID] = s
	m.mu.Unlock()

	log.LogInfo("Wallet session initiated", zap.Int64("chat_id", chatID), zap.String("wallet", wallet.Name))
	return s, uri, nil
}

// IsConnected restores the chat's stored session
func (m *Manager) IsConnected(ctx context.Context, chatID int64) (bool, error) {
	conn := m.newConnector(chatID)
	return conn.Restore(ctx)
}

// Disconnect tears down the chat's external session; it reports whether one was connected
func (m *Manager) Disconnect(ctx context.Context, chatID int64) (bool, error) {
	m.mu.Lock()
	pending := m.sessions[chatID]
	delete(m.sessions, chatID)
	m.mu.Unlock()
	if pending != nil {
		pending.supersede()
	}

	conn := m.newConnector(chatID)
	connected, err := conn.Restore(ctx)
	if err != nil {
		log.LogWarn("Failed to restore wallet session", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if err := conn.Disconnect(ctx); err != nil {
		return connected, fmt.Errorf("disconnect wallet session: %w", err)
	}
	if pending != nil {
		pending.setState(StateDisconnected)
	}
	return connected, nil
}

// Pending returns the chat's pending session, if any
func (m *Manager) Pending(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[chatID]
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.chatID] == s {
		delete(m.sessions, s.chatID)
	}
}
