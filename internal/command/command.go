// Package command is the typed command/response surface consumed by the
// UI: one method per named command, each returning a typed result or a
// typed *corekit.Error. A thin dispatch layer over the real
// collaborators, as plain Go methods; cmd/universed exposes each one as a
// JSON POST /commands/<name> route.
package command

import (
	"context"
	"time"

	"github.com/universesync/core/internal/auth"
	"github.com/universesync/core/internal/codec"
	"github.com/universesync/core/internal/corekit"
	"github.com/universesync/core/internal/provider"
	"github.com/universesync/core/internal/universe"
)

// Saver is the narrow Save Coordinator surface force_save needs.
type Saver interface {
	ForceSaveActive(ctx context.Context, reason string) error
}

// Service dispatches every named command, holding the Manager, Auth and
// Save Coordinator it fronts.
type Service struct {
	manager *universe.Manager
	authn   *auth.Auth
	saver   Saver
}

// New constructs a Service.
func New(manager *universe.Manager, authn *auth.Auth, saver Saver) *Service {
	return &Service{manager: manager, authn: authn, saver: saver}
}

// GetAllUniversesResult is the result of get_all_universes.
type GetAllUniversesResult struct {
	Universes  []universe.Universe
	ActiveSlug string
	HasActive  bool
}

// GetAllUniverses lists every registered universe plus which is active.
func (s *Service) GetAllUniverses() (GetAllUniversesResult, error) {
	all, err := s.manager.List()
	if err != nil {
		return GetAllUniversesResult{}, err
	}
	activeSlug, hasActive, err := s.manager.ActiveSlug()
	if err != nil {
		return GetAllUniversesResult{}, err
	}
	return GetAllUniversesResult{Universes: all, ActiveSlug: activeSlug, HasActive: hasActive}, nil
}

// GetActiveUniverseResult is the result of get_active_universe.
type GetActiveUniverseResult struct {
	Universe universe.Universe
	State    codec.State
	HasState bool
}

// GetActiveUniverse returns the active universe plus its current
// in-memory document, if any.
func (s *Service) GetActiveUniverse(ctx context.Context) (GetActiveUniverseResult, error) {
	_ = ctx
	slug, found, err := s.manager.ActiveSlug()
	if err != nil {
		return GetActiveUniverseResult{}, err
	}
	if !found {
		return GetActiveUniverseResult{}, corekit.Newf(corekit.KindNotFound, "no active universe")
	}
	u, found, err := s.manager.Get(slug)
	if err != nil {
		return GetActiveUniverseResult{}, err
	}
	if !found {
		return GetActiveUniverseResult{}, corekit.Newf(corekit.KindNotFound, "active universe %q not registered", slug)
	}
	state, hasState := s.manager.CurrentState(slug)
	return GetActiveUniverseResult{Universe: u, State: state, HasState: hasState}, nil
}

// AuthStatus is the result of get_auth_status for one modality.
type AuthStatus struct {
	Modality  corekit.Modality
	Health    auth.Health
	Available bool
}

// GetAuthStatusResult is the result of get_auth_status.
type GetAuthStatusResult struct {
	OAuth           AuthStatus
	AppInstallation AuthStatus
}

// GetAuthStatus probes both credential modalities.
func (s *Service) GetAuthStatus(ctx context.Context) GetAuthStatusResult {
	return GetAuthStatusResult{
		OAuth: AuthStatus{
			Modality:  corekit.ModalityOAuth,
			Health:    s.authn.HealthCheck(ctx, corekit.ModalityOAuth),
			Available: true,
		},
		AppInstallation: AuthStatus{
			Modality:  corekit.ModalityAppInstallation,
			Health:    s.authn.HealthCheck(ctx, corekit.ModalityAppInstallation),
			Available: s.authn.AppInstallationConfigured(),
		},
	}
}

// SwitchActive dispatches switch_active.
func (s *Service) SwitchActive(ctx context.Context, slug string, saveCurrent bool) (codec.State, error) {
	return s.manager.SwitchActive(ctx, slug, saveCurrent)
}

// CreateUniverse dispatches create_universe.
func (s *Service) CreateUniverse(name string, opts universe.CreateOptions) (universe.Universe, error) {
	return s.manager.Create(name, opts)
}

// DeleteUniverse dispatches delete_universe.
func (s *Service) DeleteUniverse(ctx context.Context, slug string) error {
	return s.manager.Delete(ctx, slug)
}

// UpdateUniverse dispatches update_universe.
func (s *Service) UpdateUniverse(slug string, patch universe.UpdatePatch) (universe.Universe, error) {
	return s.manager.Update(slug, patch)
}

// DiscoverInRepo dispatches discover_in_repo.
func (s *Service) DiscoverInRepo(ctx context.Context, prov provider.Provider) ([]universe.DiscoveredUniverse, error) {
	return s.manager.DiscoverInRepo(ctx, prov)
}

// LinkDiscovered dispatches link_discovered.
func (s *Service) LinkDiscovered(d universe.DiscoveredUniverse, repo universe.LinkedRepo) (universe.Universe, error) {
	return s.manager.LinkDiscovered(d, repo)
}

// ForceSave dispatches force_save, bypassing the debounce window and the
// ErrorHold refusal the Engine would otherwise apply.
func (s *Service) ForceSave(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "force_save:" + time.Now().UTC().Format(time.RFC3339)
	}
	return s.saver.ForceSaveActive(ctx, reason)
}

// ReadSource dispatches read_source, resolving an auxiliary Source's
// content through whichever backing (url cache, local mirror, remote
// provider) its type implies.
func (s *Service) ReadSource(ctx context.Context, slug, sourceID string) ([]byte, error) {
	return s.manager.ReadSource(ctx, slug, sourceID)
}

// ResolveSyncConflict dispatches the explicit conflict-resolution command,
// distinct from the Engine's automatic one-retry handling.
func (s *Service) ResolveSyncConflict(ctx context.Context, slug string) (codec.State, error) {
	return s.manager.ResolveSyncConflict(ctx, slug)
}
