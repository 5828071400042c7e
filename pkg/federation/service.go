package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fedstore/pkg/crypto"
	"fedstore/pkg/types"
)

// LocalInstance is this deployment's federation identity as advertised
// to peers. The private key lives in the crypto engine, never here.
type LocalInstance struct {
	Domain       string
	Name         string
	Version      string
	Capabilities []types.Capability
}

// AcceptPolicy decides whether an unknown peer's federation request is
// accepted. The default accepts everyone; production deployments will
// typically gate this behind administrator approval.
type AcceptPolicy func(req *types.FederationRequest) bool

// Service enforces the instance and share state machines and exposes
// message signing to the rest of the system. Its operations are
// independent request/response calls safe for concurrent use; the only
// mutable shared resource is the repository, which owns atomic status
// transitions.
type Service struct {
	repo    Repository
	engine  *crypto.Engine
	local   LocalInstance
	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	replay  *ReplayGuard
	accept  AcceptPolicy
	maxAge  int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithAcceptPolicy replaces the default auto-accept handshake policy.
func WithAcceptPolicy(p AcceptPolicy) ServiceOption {
	return func(s *Service) { s.accept = p }
}

// WithReplayGuard enables nonce-seen tracking on VerifyMessage, closing
// the replay window that the freshness check alone leaves open.
func WithReplayGuard(g *ReplayGuard) ServiceOption {
	return func(s *Service) { s.replay = g }
}

// WithMaxMessageAge overrides the freshness window in seconds.
func WithMaxMessageAge(seconds int64) ServiceOption {
	return func(s *Service) { s.maxAge = seconds }
}

// NewService creates a federation service. The crypto engine is injected
// rather than constructed lazily so tests can substitute key material.
func NewService(repo Repository, engine *crypto.Engine, local LocalInstance, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		local:  local,
		logger: logger,
		clock:  clock.New(),
		accept: func(*types.FederationRequest) bool { return true },
		maxAge: crypto.DefaultMaxMessageAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestFederation creates a local PENDING record for a peer we want to
// federate with. The actual wire handshake belongs to the transport
// layer; this only tracks our side of the request.
func (s *Service) RequestFederation(ctx context.Context, domain, message string) (*types.FederatedInstance, error) {
	existing, err := s.repo.GetInstanceByDomain(ctx, domain)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, WrapStorage("lookup instance", err)
	}
	if existing != nil {
		return nil, NewError(ErrAlreadyFederated, "already federated with %s", domain)
	}

	inst := &types.FederatedInstance{
		ID:           types.InstanceID(uuid.NewString()),
		Domain:       domain,
		Status:       types.InstancePending,
		RegisteredAt: s.clock.Now(),
	}
	if err := s.repo.RegisterInstance(ctx, inst); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, NewError(ErrAlreadyFederated, "already federated with %s", domain)
		}
		return nil, WrapStorage("register instance", err)
	}

	s.logger.Info("federation requested",
		zap.String("domain", domain),
		zap.String("message", message))
	return inst, nil
}

// HandleFederationRequest decides an inbound handshake. A known peer
// gets a non-accepting response rather than an error; an unknown peer is
// registered ONLINE when the accept policy allows it.
func (s *Service) HandleFederationRequest(ctx context.Context, req *types.FederationRequest) (*types.FederationResponse, error) {
	existing, err := s.repo.GetInstanceByDomain(ctx, req.SourceInstance)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, WrapStorage("lookup instance", err)
	}
	if existing != nil {
		return &types.FederationResponse{
			Accepted: false,
			Message:  "Already federated",
		}, nil
	}

	if !s.accept(req) {
		s.logger.Info("federation request declined by policy",
			zap.String("domain", req.SourceInstance))
		return &types.FederationResponse{
			Accepted: false,
			Message:  "Federation request declined",
		}, nil
	}

	now := s.clock.Now()
	inst := &types.FederatedInstance{
		ID:           types.InstanceID(uuid.NewString()),
		Domain:       req.SourceInstance,
		Name:         req.SourceName,
		Version:      req.SourceVersion,
		PublicKey:    req.PublicKey,
		Capabilities: req.Capabilities,
		Status:       types.InstanceOnline,
		LastSeenAt:   &now,
		RegisteredAt: now,
	}
	if err := s.repo.RegisterInstance(ctx, inst); err != nil {
		return nil, WrapStorage("register instance", err)
	}
	s.metrics.InstanceRegistered()

	s.recordActivity(ctx, &types.FederatedActivity{
		InstanceDomain: req.SourceInstance,
		ActivityType:   types.ActivityInstanceJoined,
		ActorID:        req.SourceInstance,
		ObjectID:       string(inst.ID),
		ObjectType:     "instance",
		Summary:        fmt.Sprintf("%s joined the federation", req.SourceInstance),
	})

	s.logger.Info("federation request accepted",
		zap.String("domain", req.SourceInstance),
		zap.String("version", req.SourceVersion))

	return &types.FederationResponse{
		Accepted:     true,
		InstanceID:   inst.ID,
		PublicKey:    s.engine.PublicKey(),
		Capabilities: s.local.Capabilities,
		Message:      "Federation established",
	}, nil
}

// UpdateInstanceHealth applies a health probe outcome. Blocked instances
// are left untouched regardless of the probe result.
func (s *Service) UpdateInstanceHealth(ctx context.Context, domain string, isOnline bool) (*types.FederatedInstance, error) {
	inst, err := s.repo.GetInstanceByDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFound, "instance %s not found", domain)
		}
		return nil, WrapStorage("lookup instance", err)
	}
	if inst.Status == types.InstanceBlocked {
		return inst, nil
	}

	status := types.InstanceOffline
	var lastSeen *time.Time
	if isOnline {
		status = types.InstanceOnline
		now := s.clock.Now()
		lastSeen = &now
	}

	updated, err := s.repo.UpdateInstanceStatus(ctx, inst.ID, status, lastSeen)
	if err != nil {
		return nil, WrapStorage("update instance status", err)
	}
	return updated, nil
}

// BlockInstance is an unconditional administrator transition to BLOCKED.
func (s *Service) BlockInstance(ctx context.Context, id types.InstanceID) (*types.FederatedInstance, error) {
	inst, err := s.repo.UpdateInstanceStatus(ctx, id, types.InstanceBlocked, nil)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFound, "instance %s not found", id)
		}
		return nil, WrapStorage("block instance", err)
	}
	s.logger.Warn("instance blocked", zap.String("domain", inst.Domain))
	return inst, nil
}

// RemoveInstance deletes the record entirely.
func (s *Service) RemoveInstance(ctx context.Context, id types.InstanceID) error {
	if err := s.repo.RemoveInstance(ctx, id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return NewError(ErrNotFound, "instance %s not found", id)
		}
		return WrapStorage("remove instance", err)
	}
	return nil
}

// GetInstance fetches one instance by id.
func (s *Service) GetInstance(ctx context.Context, id types.InstanceID) (*types.FederatedInstance, error) {
	inst, err := s.repo.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFound, "instance %s not found", id)
		}
		return nil, WrapStorage("get instance", err)
	}
	return inst, nil
}

// ListInstances lists known instances, optionally filtered.
func (s *Service) ListInstances(ctx context.Context, filter InstanceFilter) ([]*types.FederatedInstance, error) {
	instances, err := s.repo.ListInstances(ctx, filter)
	if err != nil {
		return nil, WrapStorage("list instances", err)
	}
	return instances, nil
}

// CreateShareInput is the caller-supplied portion of a new share.
type CreateShareInput struct {
	ItemID         string
	TargetInstance string
	TargetUserID   types.UserID
	Permissions    []types.SharePermission
	ExpiresInDays  *int
}

// CreateShare validates the target instance (known, ONLINE, advertises
// RECEIVE_SHARES) and persists a PENDING share. The SHARE_CREATED
// activity is recorded after the share write; a failure recording it
// propagates even though the share row already exists.
func (s *Service) CreateShare(ctx context.Context, input CreateShareInput, userID types.UserID) (*types.FederatedShare, error) {
	target, err := s.repo.GetInstanceByDomain(ctx, input.TargetInstance)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFederated, "not federated with %s", input.TargetInstance)
		}
		return nil, WrapStorage("lookup target instance", err)
	}
	if target.Status != types.InstanceOnline {
		return nil, NewError(ErrInvalidOperation, "instance %s is not online", target.Domain)
	}
	if !target.HasCapability(types.CapabilityReceiveShares) {
		return nil, NewError(ErrInvalidOperation, "instance %s does not accept shares", target.Domain)
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if input.ExpiresInDays != nil {
		t := now.Add(time.Duration(*input.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	share := &types.FederatedShare{
		ID:             types.ShareID(uuid.NewString()),
		ItemID:         input.ItemID,
		SourceInstance: s.local.Domain,
		TargetInstance: input.TargetInstance,
		TargetUserID:   input.TargetUserID,
		Permissions:    input.Permissions,
		Status:         types.SharePending,
		ExpiresAt:      expiresAt,
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	if err := s.repo.CreateShare(ctx, share); err != nil {
		return nil, WrapStorage("create share", err)
	}
	s.metrics.ShareCreated()

	activity := &types.FederatedActivity{
		ID:             types.ActivityID(uuid.NewString()),
		InstanceDomain: input.TargetInstance,
		ActivityType:   types.ActivityShareCreated,
		ActorID:        string(userID),
		ObjectID:       input.ItemID,
		ObjectType:     "file",
		Summary:        fmt.Sprintf("%s shared %s with %s", userID, input.ItemID, input.TargetInstance),
		Timestamp:      now,
	}
	if err := s.repo.RecordActivity(ctx, activity); err != nil {
		// The share row persists; the caller sees the failure anyway.
		return nil, WrapStorage("record share activity", err)
	}

	return share, nil
}

// AcceptShare transitions a PENDING share to ACCEPTED. Not idempotent:
// re-invocation after the first transition fails.
func (s *Service) AcceptShare(ctx context.Context, id types.ShareID) (*types.FederatedShare, error) {
	now := s.clock.Now()
	share, err := s.transitionShare(ctx, id, []types.ShareStatus{types.SharePending}, types.ShareAccepted, &now)
	if err != nil {
		return nil, err
	}
	s.noteShareActivity(ctx, share, types.ActivityShareAccepted, "accepted")
	return share, nil
}

// DeclineShare transitions a PENDING share to DECLINED.
func (s *Service) DeclineShare(ctx context.Context, id types.ShareID) (*types.FederatedShare, error) {
	share, err := s.transitionShare(ctx, id, []types.ShareStatus{types.SharePending}, types.ShareDeclined, nil)
	if err != nil {
		return nil, err
	}
	s.noteShareActivity(ctx, share, types.ActivityShareDeclined, "declined")
	return share, nil
}

// RevokeShare transitions a PENDING or ACCEPTED share to REVOKED. Only
// the share's creator may revoke, regardless of current status.
func (s *Service) RevokeShare(ctx context.Context, id types.ShareID, userID types.UserID) (*types.FederatedShare, error) {
	share, err := s.GetShare(ctx, id)
	if err != nil {
		return nil, err
	}
	if share.CreatedBy != userID {
		return nil, NewError(ErrAuthorization, "only the share creator can revoke it")
	}

	revoked, err := s.transitionShare(ctx, id, []types.ShareStatus{types.SharePending, types.ShareAccepted}, types.ShareRevoked, nil)
	if err != nil {
		return nil, err
	}
	s.noteShareActivity(ctx, revoked, types.ActivityShareRevoked, "revoked")
	return revoked, nil
}

// GetShare fetches one share by id.
func (s *Service) GetShare(ctx context.Context, id types.ShareID) (*types.FederatedShare, error) {
	share, err := s.repo.GetShare(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFound, "share %s not found", id)
		}
		return nil, WrapStorage("get share", err)
	}
	return share, nil
}

// ListOutgoingShares lists shares created by a local user.
func (s *Service) ListOutgoingShares(ctx context.Context, userID types.UserID, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	shares, err := s.repo.ListOutgoingShares(ctx, userID, status)
	if err != nil {
		return nil, WrapStorage("list outgoing shares", err)
	}
	return shares, nil
}

// ListIncomingShares lists shares targeting an instance domain.
func (s *Service) ListIncomingShares(ctx context.Context, instanceDomain string, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	shares, err := s.repo.ListIncomingShares(ctx, instanceDomain, status)
	if err != nil {
		return nil, WrapStorage("list incoming shares", err)
	}
	return shares, nil
}

func (s *Service) transitionShare(ctx context.Context, id types.ShareID, expected []types.ShareStatus, to types.ShareStatus, acceptedAt *time.Time) (*types.FederatedShare, error) {
	share, err := s.repo.TransitionShare(ctx, id, expected, to, acceptedAt)
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordNotFound):
			return nil, NewError(ErrNotFound, "share %s not found", id)
		case errors.Is(err, ErrConflict):
			return nil, NewError(ErrInvalidOperation, "share %s is not in a state that allows %s", id, to)
		default:
			return nil, WrapStorage("transition share", err)
		}
	}
	return share, nil
}

// noteShareActivity records a share lifecycle activity. Unlike share
// creation, a failure here is logged, not propagated: the transition has
// already committed and is the operation's primary effect.
func (s *Service) noteShareActivity(ctx context.Context, share *types.FederatedShare, kind types.ActivityType, verb string) {
	activity := &types.FederatedActivity{
		ID:             types.ActivityID(uuid.NewString()),
		InstanceDomain: share.TargetInstance,
		ActivityType:   kind,
		ActorID:        string(share.CreatedBy),
		ObjectID:       share.ItemID,
		ObjectType:     "file",
		Summary:        fmt.Sprintf("share of %s %s", share.ItemID, verb),
		Timestamp:      s.clock.Now(),
	}
	if err := s.repo.RecordActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record share activity",
			zap.String("share", string(share.ID)),
			zap.Error(err))
	}
}

func (s *Service) recordActivity(ctx context.Context, activity *types.FederatedActivity) {
	if activity.ID == "" {
		activity.ID = types.ActivityID(uuid.NewString())
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = s.clock.Now()
	}
	if err := s.repo.RecordActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record activity",
			zap.String("type", string(activity.ActivityType)),
			zap.Error(err))
	}
}

// LinkIdentity links a local user to an account on a known remote
// instance that advertises FEDERATED_IDENTITY.
func (s *Service) LinkIdentity(ctx context.Context, localUserID types.UserID, remoteUserID, remoteInstance, displayName string) (*types.FederatedIdentity, error) {
	inst, err := s.repo.GetInstanceByDomain(ctx, remoteInstance)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFederated, "not federated with %s", remoteInstance)
		}
		return nil, WrapStorage("lookup instance", err)
	}
	if !inst.HasCapability(types.CapabilityFederatedIdentity) {
		return nil, NewError(ErrInvalidOperation, "instance %s does not support federated identity", remoteInstance)
	}

	identity := &types.FederatedIdentity{
		ID:             types.IdentityID(uuid.NewString()),
		LocalUserID:    localUserID,
		RemoteUserID:   remoteUserID,
		RemoteInstance: remoteInstance,
		DisplayName:    displayName,
		LinkedAt:       s.clock.Now(),
	}
	if err := s.repo.LinkIdentity(ctx, identity); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, NewError(ErrAlreadyExists, "identity %s@%s is already linked", remoteUserID, remoteInstance)
		}
		return nil, WrapStorage("link identity", err)
	}
	return identity, nil
}

// UnlinkIdentity deletes a link unconditionally.
func (s *Service) UnlinkIdentity(ctx context.Context, id types.IdentityID) error {
	if err := s.repo.UnlinkIdentity(ctx, id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return NewError(ErrNotFound, "identity %s not found", id)
		}
		return WrapStorage("unlink identity", err)
	}
	return nil
}

// ListIdentities lists identity links for a local user.
func (s *Service) ListIdentities(ctx context.Context, localUserID types.UserID) ([]*types.FederatedIdentity, error) {
	identities, err := s.repo.ListIdentitiesForUser(ctx, localUserID)
	if err != nil {
		return nil, WrapStorage("list identities", err)
	}
	return identities, nil
}

// GetActivities returns the activity feed. With a domain it delegates to
// the store; without one it fans out across every known instance,
// splitting limit evenly, and aborts on the first per-instance error.
// Callers that prefer partial results use GetActivitiesPartial.
func (s *Service) GetActivities(ctx context.Context, instanceDomain string, since *time.Time, limit int) ([]*types.FederatedActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	if instanceDomain != "" {
		activities, err := s.repo.ListActivitiesFromInstance(ctx, instanceDomain, since, limit)
		if err != nil {
			return nil, WrapStorage("list activities", err)
		}
		return activities, nil
	}

	instances, err := s.repo.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return nil, WrapStorage("list instances", err)
	}
	if len(instances) == 0 {
		return nil, nil
	}

	perInstance := limit / len(instances)
	if perInstance < 1 {
		perInstance = 1
	}

	var merged []*types.FederatedActivity
	for _, inst := range instances {
		activities, err := s.repo.ListActivitiesFromInstance(ctx, inst.Domain, since, perInstance)
		if err != nil {
			return nil, WrapStorage(fmt.Sprintf("list activities from %s", inst.Domain), err)
		}
		merged = append(merged, activities...)
	}
	sortActivities(merged)
	return merged, nil
}

// GetActivitiesPartial fans out like GetActivities but collects
// per-domain errors alongside the merged partial results instead of
// aborting, letting the caller decide how to present degraded peers.
func (s *Service) GetActivitiesPartial(ctx context.Context, since *time.Time, limit int) ([]*types.FederatedActivity, map[string]error, error) {
	if limit <= 0 {
		limit = 50
	}
	instances, err := s.repo.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return nil, nil, WrapStorage("list instances", err)
	}
	if len(instances) == 0 {
		return nil, nil, nil
	}

	perInstance := limit / len(instances)
	if perInstance < 1 {
		perInstance = 1
	}

	failures := make(map[string]error)
	var merged []*types.FederatedActivity
	for _, inst := range instances {
		activities, err := s.repo.ListActivitiesFromInstance(ctx, inst.Domain, since, perInstance)
		if err != nil {
			failures[inst.Domain] = err
			continue
		}
		merged = append(merged, activities...)
	}
	sortActivities(merged)
	return merged, failures, nil
}

func sortActivities(activities []*types.FederatedActivity) {
	sort.Slice(activities, func(i, j int) bool {
		return activities[i].Timestamp.After(activities[j].Timestamp)
	})
}

// PublicKey returns the local instance's public key.
func (s *Service) PublicKey() string { return s.engine.PublicKey() }

// SignMessage wraps a payload in a signed envelope with a fresh UUID
// nonce and the current timestamp.
func (s *Service) SignMessage(payload string) (*types.SignedFederationMessage, error) {
	nonce := uuid.NewString()
	timestamp := s.clock.Now().Unix()

	signature, err := s.engine.SignFederationMessage(payload, nonce, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	s.metrics.MessageSigned()

	return &types.SignedFederationMessage{
		Payload:   payload,
		Signature: signature,
		Algorithm: string(s.engine.Algorithm()),
		Nonce:     nonce,
		Timestamp: timestamp,
		KeyID:     s.local.Domain,
	}, nil
}

// VerifyMessage authenticates an envelope from a peer identified by its
// KeyID domain. Freshness is enforced before the signature is trusted;
// with a replay guard attached, a nonce seen within the freshness window
// is rejected even when the signature is valid.
func (s *Service) VerifyMessage(ctx context.Context, msg *types.SignedFederationMessage) (crypto.VerifyResult, error) {
	inst, err := s.repo.GetInstanceByDomain(ctx, msg.KeyID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return crypto.VerifyResult{}, NewError(ErrNotFederated, "unknown sender %q", msg.KeyID)
		}
		return crypto.VerifyResult{}, WrapStorage("lookup sender", err)
	}
	if inst.Status == types.InstanceBlocked {
		result := crypto.VerifyResult{Status: crypto.VerifyInvalid, Reason: "sender is blocked"}
		s.metrics.MessageVerified(result)
		return result, nil
	}

	result := crypto.VerifyFederationMessageAt(
		s.clock.Now(),
		msg.Payload, msg.Signature, msg.Nonce, msg.Timestamp,
		inst.PublicKey, crypto.Algorithm(msg.Algorithm), s.maxAge,
	)
	if result.Valid() && s.replay != nil && !s.replay.Observe(msg.KeyID, msg.Nonce) {
		result = crypto.VerifyResult{Status: crypto.VerifyInvalid, Reason: "nonce already seen"}
		s.metrics.ReplayBlocked()
	}
	s.metrics.MessageVerified(result)

	if result.Status == crypto.VerifyError {
		s.logger.Error("message verification failed operationally",
			zap.String("sender", msg.KeyID),
			zap.String("reason", result.Reason))
	}
	return result, nil
}
