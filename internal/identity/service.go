// Package identity implements the identity collaborator: sign-up,
// sign-in, session tokens and the identity-change stream.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Change is published on every sign-in and sign-out.
type Change struct {
	Identity domain.Identity
	SignedIn bool
}

// Service authenticates users and notifies subscribers of identity
// changes.
type Service struct {
	accounts AccountStore
	tokens   *TokenService
	logger   *slog.Logger

	// Failed sign-in attempts are throttled per email.
	limiterRate  rate.Limit
	limiterBurst int

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	listeners map[int]func(Change)
	nextSubID int
}

// NewService creates the identity service.
func NewService(accounts AccountStore, tokens *TokenService, signInRate float64, signInBurst int, logger *slog.Logger) *Service {
	return &Service{
		accounts:     accounts,
		tokens:       tokens,
		logger:       logger,
		limiterRate:  rate.Limit(signInRate),
		limiterBurst: signInBurst,
		limiters:     make(map[string]*rate.Limiter),
		listeners:    make(map[int]func(Change)),
	}
}

// SignUp registers an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (domain.Identity, string, error) {
	if email == "" || password == "" {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthInvalidCredentials, Err: errors.New("email and password required")}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUnknown, Err: err}
	}

	acct := &Account{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthInvalidCredentials, Err: err}
		}
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUnknown, Err: err}
	}

	id := domain.Identity{ID: acct.ID, DisplayName: acct.DisplayName, Email: acct.Email}
	token, err := s.tokens.Generate(id)
	if err != nil {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUnknown, Err: err}
	}

	s.notify(Change{Identity: id, SignedIn: true})
	s.logger.Info("account created", "user_id", id.ID)
	return id, token, nil
}

// SignIn authenticates credentials and returns the identity plus a
// session token. Failures carry an AuthError kind.
func (s *Service) SignIn(ctx context.Context, email, password string) (domain.Identity, string, error) {
	if !s.allowAttempt(email) {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthRateLimited}
	}

	acct, err := s.accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUserNotFound, Err: err}
		}
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUnknown, Err: err}
	}
	if acct.Disabled {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthDisabled}
	}
	if err := bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)); err != nil {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthInvalidCredentials, Err: err}
	}

	id := domain.Identity{ID: acct.ID, DisplayName: acct.DisplayName, Email: acct.Email}
	token, err := s.tokens.Generate(id)
	if err != nil {
		return domain.Identity{}, "", &domain.AuthError{Kind: domain.AuthUnknown, Err: err}
	}

	s.notify(Change{Identity: id, SignedIn: true})
	s.logger.Info("signed in", "user_id", id.ID)
	return id, token, nil
}

// SignOut publishes an identity-change for the session's end. Tokens
// are stateless; revocation is the session manager tearing down the
// per-identity state on this notification.
func (s *Service) SignOut(identity domain.Identity) {
	if identity.IsZero() {
		return
	}
	s.notify(Change{Identity: identity, SignedIn: false})
	s.logger.Info("signed out", "user_id", identity.ID)
}

// CurrentIdentity resolves a session token. Returns
// domain.ErrNoActiveIdentity for an empty or invalid token.
func (s *Service) CurrentIdentity(token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrNoActiveIdentity
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return domain.Identity{}, domain.ErrNoActiveIdentity
	}
	return domain.Identity{
		ID:          claims.UserID,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
	}, nil
}

// OnIdentityChange subscribes to sign-in/sign-out events. The returned
// function unsubscribes and is idempotent.
func (s *Service) OnIdentityChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) notify(ch Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func (s *Service) allowAttempt(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(email)
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(s.limiterRate, s.limiterBurst)
		s.limiters[key] = lim
	}
	return lim.Allow()
}
