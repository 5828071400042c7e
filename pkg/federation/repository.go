package federation

import (
	"context"
	"errors"
	"time"

	"fedstore/pkg/types"
)

// Sentinel errors implementations must return for the service's typed
// error mapping to work.
var (
	// ErrRecordNotFound is returned when a referenced row does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional status transition finds
	// the record in an unexpected state, or a unique key already exists.
	ErrConflict = errors.New("conflicting state")
)

// InstanceFilter narrows ListInstances. Nil fields match everything.
type InstanceFilter struct {
	Status     *types.InstanceStatus
	Capability *types.Capability
}

// Repository is the durable-state port of the federation subsystem and
// its only I/O boundary besides outbound health probes. Implementations
// own concurrent mutation safety: status transitions MUST be atomic
// per record (update-if-current-status-matches), because the service
// composes read-then-conditional-write without locking of its own.
type Repository interface {
	// Instances.
	RegisterInstance(ctx context.Context, inst *types.FederatedInstance) error
	GetInstance(ctx context.Context, id types.InstanceID) (*types.FederatedInstance, error)
	GetInstanceByDomain(ctx context.Context, domain string) (*types.FederatedInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*types.FederatedInstance, error)
	UpdateInstance(ctx context.Context, inst *types.FederatedInstance) error
	// UpdateInstanceStatus sets status and, when lastSeenAt is non-nil,
	// the last-seen timestamp, returning the updated record.
	UpdateInstanceStatus(ctx context.Context, id types.InstanceID, status types.InstanceStatus, lastSeenAt *time.Time) (*types.FederatedInstance, error)
	RemoveInstance(ctx context.Context, id types.InstanceID) error
	ListStaleInstances(ctx context.Context, notSeenSince time.Time) ([]*types.FederatedInstance, error)

	// Shares.
	CreateShare(ctx context.Context, share *types.FederatedShare) error
	GetShare(ctx context.Context, id types.ShareID) (*types.FederatedShare, error)
	ListOutgoingShares(ctx context.Context, userID types.UserID, status *types.ShareStatus) ([]*types.FederatedShare, error)
	ListIncomingShares(ctx context.Context, instanceDomain string, status *types.ShareStatus) ([]*types.FederatedShare, error)
	ListSharesForItem(ctx context.Context, itemID string) ([]*types.FederatedShare, error)
	UpdateShare(ctx context.Context, share *types.FederatedShare) error
	// TransitionShare atomically moves a share from one of the expected
	// statuses to the target status, setting acceptedAt when non-nil.
	// Returns ErrConflict if the current status is not in expected.
	TransitionShare(ctx context.Context, id types.ShareID, expected []types.ShareStatus, to types.ShareStatus, acceptedAt *time.Time) (*types.FederatedShare, error)
	DeleteShare(ctx context.Context, id types.ShareID) error
	ListExpiredShares(ctx context.Context, before time.Time) ([]*types.FederatedShare, error)

	// Identities.
	LinkIdentity(ctx context.Context, identity *types.FederatedIdentity) error
	GetIdentity(ctx context.Context, id types.IdentityID) (*types.FederatedIdentity, error)
	GetIdentityByFederatedID(ctx context.Context, remoteUserID, remoteInstance string) (*types.FederatedIdentity, error)
	ListIdentitiesForUser(ctx context.Context, localUserID types.UserID) ([]*types.FederatedIdentity, error)
	ListIdentitiesForInstance(ctx context.Context, instanceDomain string) ([]*types.FederatedIdentity, error)
	UpdateIdentity(ctx context.Context, identity *types.FederatedIdentity) error
	UnlinkIdentity(ctx context.Context, id types.IdentityID) error

	// Activities.
	RecordActivity(ctx context.Context, activity *types.FederatedActivity) error
	ListActivitiesFromInstance(ctx context.Context, instanceDomain string, since *time.Time, limit int) ([]*types.FederatedActivity, error)
	ListActivitiesForActor(ctx context.Context, actorID string, limit int) ([]*types.FederatedActivity, error)
	// SubscribeActivities returns a live feed of newly recorded
	// activities and a cancel func that must be called to release it.
	SubscribeActivities() (<-chan *types.FederatedActivity, func())
	// PruneActivities deletes activities older than before, returning
	// the number removed.
	PruneActivities(ctx context.Context, before time.Time) (int64, error)
}
