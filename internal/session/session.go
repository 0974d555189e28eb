package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ccs_harvester/internal/models"
)

// ErrAuthentication means the portal rejected the supplied credentials.
// There is no retry for bad credentials (account lockout risk); the
// whole run aborts.
var ErrAuthentication = errors.New("authentication rejected")

// ErrSessionExpired is returned (wrapped) by driver fetches when the
// portal answered with an auth-required response mid-run.
var ErrSessionExpired = errors.New("session expired")

// ErrReauthLimit means the session expired again after the capped
// number of re-authentications; repeated expiry is fatal for the run.
var ErrReauthLimit = errors.New("re-authentication limit reached")

// FetchError is a recoverable per-asset failure. Timeout distinguishes
// bounded waits that ran out from transport-level errors.
type FetchError struct {
	Kind    models.AssetKind
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timed out: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Credentials struct {
	Username string
	Password string
}

// Driver is the session capability the orchestrator consumes: an opaque
// handle that can authenticate, enumerate the assets available for a
// product and stream one asset to a local temp path. Fetch encapsulates
// the CAD-generation portal sub-protocol for STEP, so the orchestrator
// treats every kind uniformly.
type Driver interface {
	Login(ctx context.Context, creds Credentials) error
	ListAssets(ctx context.Context, p models.Product) (map[models.AssetKind]bool, error)
	Fetch(ctx context.Context, p models.Product, kind models.AssetKind) (string, error)
}

// CartFetcher is the optional batch capability: drivers that support
// the vendor's download cart retrieve the batched kinds in one
// consolidated trigger. Drivers without it degrade to per-kind Fetch
// calls with identical validation and retry treatment.
type CartFetcher interface {
	FetchBatch(ctx context.Context, p models.Product, kinds []models.AssetKind) (map[models.AssetKind]string, error)
}

type Phase int

const (
	Unauthenticated Phase = iota
	Authenticating
	Authenticated
	Expired
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// State tracks the authentication lifecycle of a single driver
// instance. A driver is an exclusive resource, so State is not safe for
// concurrent use; each worker session owns its own State.
type State struct {
	driver Driver
	creds  Credentials
	phase  Phase

	// consecutive expiries since the last healthy fetch; once this
	// passes maxReauths repeated expiry is treated as fatal.
	expiries   int
	maxReauths int
}

func NewState(driver Driver, creds Credentials, maxReauths int) *State {
	if maxReauths <= 0 {
		maxReauths = 1
	}
	return &State{driver: driver, creds: creds, maxReauths: maxReauths}
}

func (s *State) Phase() Phase { return s.phase }

// EnsureAuthenticated returns nil only when the session is
// Authenticated, logging in first if needed. Rejected credentials are
// fatal. Re-authentication after expiry is capped: when the portal
// keeps expiring the session faster than work proceeds, the run aborts
// instead of hammering the login endpoint.
func (s *State) EnsureAuthenticated(ctx context.Context) error {
	switch s.phase {
	case Authenticated:
		return nil
	case Expired:
		if s.expiries > s.maxReauths {
			return fmt.Errorf("%w (%d)", ErrReauthLimit, s.maxReauths)
		}
		slog.Info("session expired, re-authenticating", "expiries", s.expiries)
	}

	s.phase = Authenticating
	if err := s.driver.Login(ctx, s.creds); err != nil {
		s.phase = Unauthenticated
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	s.phase = Authenticated
	return nil
}

// MarkExpired forces the state to Expired; the orchestrator calls it
// when a fetch surfaced ErrSessionExpired, before resubmitting the
// failed task.
func (s *State) MarkExpired() {
	s.phase = Expired
	s.expiries++
}

// NoteHealthy resets the expiry counter after any successful portal
// operation, so the re-auth cap only trips on consecutive expiries.
func (s *State) NoteHealthy() {
	s.expiries = 0
}
