package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/internal/transport"
	"github.com/wamux/wamux/pkg/log"
)

var (
	// ErrAccountNotFound is returned for operations on an unregistered account.
	ErrAccountNotFound = errors.New("account: not found")

	// ErrQRNotAvailable is returned when a QR code is requested outside the
	// pairing window.
	ErrQRNotAvailable = errors.New("account: qr code not available")
)

// accountStore is the slice of the datastore the registry needs.
type accountStore interface {
	CreateAccount(ctx context.Context, acc *storage.Account) error
	GetAccount(ctx context.Context, id string) (*storage.Account, error)
	ListAccounts(ctx context.Context) ([]storage.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status storage.AccountStatus, errorMessage string) error
	UpdateAccountQR(ctx context.Context, id string, qrPayload string) error
	UpdateAccountAddress(ctx context.Context, id string, phoneNumber string, address string) error
	DeleteAccount(ctx context.Context, id string) error
}

// InboundFunc receives every message arriving on a registered session.
type InboundFunc func(accountID string, msg transport.Inbound)

// Registry owns every live session. The map mutex guards membership only;
// each session serializes its own state behind its own lock, so a slow
// transport never stalls operations on other accounts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store     accountStore
	factory   transport.Factory
	onInbound InboundFunc
}

func NewRegistry(store accountStore, factory transport.Factory, onInbound InboundFunc) *Registry {
	return &Registry{
		sessions:  make(map[string]*session),
		store:     store,
		factory:   factory,
		onInbound: onInbound,
	}
}

// session is one account's live state. Lifecycle events are applied by a
// single goroutine draining the transport's event channel, which preserves
// the transport's emission order.
type session struct {
	id string

	mu      sync.RWMutex
	status  storage.AccountStatus
	phone   string
	address string
	qr      string

	client transport.Client
	done   chan struct{}
}

// Create persists a new account, registers its session and starts connecting
// in the background. It returns as soon as the account is registered; pairing
// progress is observed through Get and QR.
func (r *Registry) Create(ctx context.Context, name string, description string) (*storage.Account, error) {
	acc := &storage.Account{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      storage.StatusInitializing,
		CreatedAt:   time.Now().UTC(),
	}
	acc.UpdatedAt = acc.CreatedAt
	if err := r.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	if err := r.startSession(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// startSession builds the transport client, registers the session and begins
// consuming its events before Connect so no lifecycle event is dropped.
func (r *Registry) startSession(ctx context.Context, acc *storage.Account) error {
	client, err := r.factory.New(ctx, acc.ID, acc.Address)
	if err != nil {
		return err
	}

	s := &session{
		id:      acc.ID,
		status:  acc.Status,
		phone:   acc.PhoneNumber,
		address: acc.Address,
		qr:      acc.QRPayload,
		client:  client,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.sessions[acc.ID]; exists {
		r.mu.Unlock()
		// The losing client already registered an event handler; tear it
		// down instead of leaking it.
		if derr := client.Destroy(ctx); derr != nil {
			log.Account(acc.ID).WithError(derr).Warn("discarding duplicate session client failed")
		}
		return nil
	}
	r.sessions[acc.ID] = s
	r.mu.Unlock()

	go r.consumeEvents(s)
	go func() {
		if err := client.Connect(context.Background()); err != nil {
			log.Account(acc.ID).WithError(err).Error("session connect failed")
			r.applyDisconnect(s, err.Error())
		}
	}()
	return nil
}

// consumeEvents drains a session's event channel until it closes. Applying
// events from one goroutine keeps state transitions in transport order.
func (r *Registry) consumeEvents(s *session) {
	defer close(s.done)
	for ev := range s.client.Events() {
		switch ev.Type {
		case transport.EventQRReceived:
			r.applyQR(s, ev.QRPayload)
		case transport.EventReady:
			r.applyReady(s, ev.Address)
		case transport.EventAuthenticated:
			log.Account(s.id).Info("session authenticated")
		case transport.EventAuthFailure:
			r.applyAuthFailure(s, ev.Reason)
		case transport.EventDisconnected:
			r.applyDisconnect(s, ev.Reason)
		case transport.EventMessage:
			if ev.Message != nil && r.onInbound != nil {
				r.onInbound(s.id, *ev.Message)
			}
		}
	}
}

func (r *Registry) applyQR(s *session, payload string) {
	s.mu.Lock()
	if s.status == storage.StatusAuthFailed {
		s.mu.Unlock()
		return
	}
	s.status = storage.StatusQRReady
	s.qr = payload
	s.mu.Unlock()

	if err := r.store.UpdateAccountStatus(context.Background(), s.id, storage.StatusQRReady, ""); err != nil {
		log.Account(s.id).WithError(err).Error("persisting qr_ready status failed")
	}
	if err := r.store.UpdateAccountQR(context.Background(), s.id, payload); err != nil {
		log.Account(s.id).WithError(err).Error("persisting qr payload failed")
	}
}

func (r *Registry) applyReady(s *session, address string) {
	phone := address
	if i := strings.IndexByte(address, '@'); i > 0 {
		phone = address[:i]
	}

	s.mu.Lock()
	if s.status == storage.StatusReady && s.address == address {
		s.mu.Unlock()
		return
	}
	s.status = storage.StatusReady
	s.phone = phone
	s.address = address
	s.qr = ""
	s.mu.Unlock()

	if err := r.store.UpdateAccountStatus(context.Background(), s.id, storage.StatusReady, ""); err != nil {
		log.Account(s.id).WithError(err).Error("persisting ready status failed")
	}
	if err := r.store.UpdateAccountAddress(context.Background(), s.id, phone, address); err != nil {
		log.Account(s.id).WithError(err).Error("persisting session address failed")
	}
	log.Account(s.id).WithField("address", address).Info("session ready")
}

func (r *Registry) applyAuthFailure(s *session, reason string) {
	s.mu.Lock()
	s.status = storage.StatusAuthFailed
	s.qr = ""
	s.mu.Unlock()

	if err := r.store.UpdateAccountStatus(context.Background(), s.id, storage.StatusAuthFailed, reason); err != nil {
		log.Account(s.id).WithError(err).Error("persisting auth_failed status failed")
	}
	log.Account(s.id).WithField("reason", reason).Warn("session authentication failed")
}

func (r *Registry) applyDisconnect(s *session, reason string) {
	s.mu.Lock()
	// auth_failed is terminal; a disconnect after it must not mask it.
	if s.status == storage.StatusAuthFailed {
		s.mu.Unlock()
		return
	}
	s.status = storage.StatusDisconnected
	s.mu.Unlock()

	if err := r.store.UpdateAccountStatus(context.Background(), s.id, storage.StatusDisconnected, reason); err != nil {
		log.Account(s.id).WithError(err).Error("persisting disconnected status failed")
	}
	log.Account(s.id).WithField("reason", reason).Warn("session disconnected")
}

// Get returns a live snapshot of the account, falling back to the stored row
// for fields the session does not track.
func (r *Registry) Get(ctx context.Context, id string) (*storage.Account, error) {
	acc, err := r.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		s.mu.RLock()
		acc.Status = s.status
		acc.PhoneNumber = s.phone
		acc.Address = s.address
		acc.QRPayload = s.qr
		s.mu.RUnlock()
	}
	return acc, nil
}

// List returns every account with live statuses where a session is running.
func (r *Registry) List(ctx context.Context) ([]storage.Account, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range accounts {
		if s := r.sessions[accounts[i].ID]; s != nil {
			s.mu.RLock()
			accounts[i].Status = s.status
			accounts[i].PhoneNumber = s.phone
			accounts[i].Address = s.address
			s.mu.RUnlock()
		}
	}
	return accounts, nil
}

// QR returns the pairing code for an account. It is only available while the
// session is in qr_ready; once paired, the code is gone.
func (r *Registry) QR(id string) (string, error) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return "", ErrAccountNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != storage.StatusQRReady || s.qr == "" {
		return "", ErrQRNotAvailable
	}
	return s.qr, nil
}

// Delete removes the account. The session is dropped from the registry first
// so new sends fail fast, then the transport is destroyed best-effort and the
// stored row deleted.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if s != nil {
		if err := s.client.Destroy(ctx); err != nil {
			log.Account(id).WithError(err).Warn("transport teardown failed during delete")
		}
	}

	err := r.store.DeleteAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if s == nil {
			return ErrAccountNotFound
		}
		return nil
	}
	return err
}

// Client returns the transport client and current status for an account in a
// single atomic read, so callers can gate sends on the status they saw.
func (r *Registry) Client(id string) (transport.Client, storage.AccountStatus, error) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil, "", ErrAccountNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.status, nil
}

// ReconnectAll restores a session for every stored account at startup. One
// account failing to reconnect marks it disconnected and never aborts the
// others.
func (r *Registry) ReconnectAll(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range accounts {
		acc := accounts[i]
		if acc.Status == storage.StatusAuthFailed {
			log.Account(acc.ID).Info("skipping reconnect for auth_failed account")
			continue
		}
		g.Go(func() error {
			acc.Status = storage.StatusInitializing
			if err := r.store.UpdateAccountStatus(ctx, acc.ID, storage.StatusInitializing, ""); err != nil {
				log.Account(acc.ID).WithError(err).Error("persisting initializing status failed")
			}
			if err := r.startSession(ctx, &acc); err != nil {
				log.Account(acc.ID).WithError(err).Error("reconnect failed")
				if uerr := r.store.UpdateAccountStatus(ctx, acc.ID, storage.StatusDisconnected, err.Error()); uerr != nil {
					log.Account(acc.ID).WithError(uerr).Error("persisting disconnected status failed")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// HealthSweep marks sessions whose transport went unhealthy as disconnected.
// Run periodically from the scheduler.
func (r *Registry) HealthSweep() {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.mu.RLock()
		status := s.status
		s.mu.RUnlock()
		if status != storage.StatusReady {
			continue
		}
		if !s.client.Healthy() {
			r.applyDisconnect(s, "health check failed")
		}
	}
}

// Close tears down every session, waiting briefly for event consumers.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.client.Destroy(ctx); err != nil {
			log.Account(s.id).WithError(err).Warn("transport teardown failed during shutdown")
		}
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	}
}
