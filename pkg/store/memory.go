package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"
)

// MemoryStore is a map-backed Repository for tests and single-process
// deployments. Status transitions take the store lock, giving the same
// atomic update-if-current-status-matches guarantee as the SQLite store.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[types.InstanceID]*types.FederatedInstance
	byDomain   map[string]types.InstanceID
	shares     map[types.ShareID]*types.FederatedShare
	identities map[types.IdentityID]*types.FederatedIdentity
	activities []*types.FederatedActivity
	notifier   *activityNotifier
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[types.InstanceID]*types.FederatedInstance),
		byDomain:   make(map[string]types.InstanceID),
		shares:     make(map[types.ShareID]*types.FederatedShare),
		identities: make(map[types.IdentityID]*types.FederatedIdentity),
		notifier:   newActivityNotifier(),
	}
}

func copyInstance(inst *types.FederatedInstance) *types.FederatedInstance {
	out := *inst
	out.Capabilities = append([]types.Capability(nil), inst.Capabilities...)
	if inst.LastSeenAt != nil {
		t := *inst.LastSeenAt
		out.LastSeenAt = &t
	}
	return &out
}

func copyShare(share *types.FederatedShare) *types.FederatedShare {
	out := *share
	out.Permissions = append([]types.SharePermission(nil), share.Permissions...)
	if share.ExpiresAt != nil {
		t := *share.ExpiresAt
		out.ExpiresAt = &t
	}
	if share.AcceptedAt != nil {
		t := *share.AcceptedAt
		out.AcceptedAt = &t
	}
	return &out
}

func (s *MemoryStore) RegisterInstance(_ context.Context, inst *types.FederatedInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDomain[inst.Domain]; exists {
		return federation.ErrConflict
	}
	s.instances[inst.ID] = copyInstance(inst)
	s.byDomain[inst.Domain] = inst.ID
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id types.InstanceID) (*types.FederatedInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) GetInstanceByDomain(_ context.Context, domain string) (*types.FederatedInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDomain[domain]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}
	return copyInstance(s.instances[id]), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter federation.InstanceFilter) ([]*types.FederatedInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedInstance
	for _, inst := range s.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.Capability != nil && !inst.HasCapability(*filter.Capability) {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *types.FederatedInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.ID]
	if !ok {
		return federation.ErrRecordNotFound
	}
	if current.Domain != inst.Domain {
		delete(s.byDomain, current.Domain)
		s.byDomain[inst.Domain] = inst.ID
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) UpdateInstanceStatus(_ context.Context, id types.InstanceID, status types.InstanceStatus, lastSeenAt *time.Time) (*types.FederatedInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}
	inst.Status = status
	if lastSeenAt != nil {
		t := *lastSeenAt
		inst.LastSeenAt = &t
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) RemoveInstance(_ context.Context, id types.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return federation.ErrRecordNotFound
	}
	delete(s.byDomain, inst.Domain)
	delete(s.instances, id)
	return nil
}

func (s *MemoryStore) ListStaleInstances(_ context.Context, notSeenSince time.Time) ([]*types.FederatedInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedInstance
	for _, inst := range s.instances {
		if inst.LastSeenAt == nil || inst.LastSeenAt.Before(notSeenSince) {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateShare(_ context.Context, share *types.FederatedShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.shares[share.ID]; exists {
		return federation.ErrConflict
	}
	s.shares[share.ID] = copyShare(share)
	return nil
}

func (s *MemoryStore) GetShare(_ context.Context, id types.ShareID) (*types.FederatedShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, ok := s.shares[id]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}
	return copyShare(share), nil
}

func (s *MemoryStore) ListOutgoingShares(_ context.Context, userID types.UserID, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedShare
	for _, share := range s.shares {
		if share.CreatedBy != userID {
			continue
		}
		if status != nil && share.Status != *status {
			continue
		}
		out = append(out, copyShare(share))
	}
	sortShares(out)
	return out, nil
}

func (s *MemoryStore) ListIncomingShares(_ context.Context, instanceDomain string, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedShare
	for _, share := range s.shares {
		if share.TargetInstance != instanceDomain {
			continue
		}
		if status != nil && share.Status != *status {
			continue
		}
		out = append(out, copyShare(share))
	}
	sortShares(out)
	return out, nil
}

func (s *MemoryStore) ListSharesForItem(_ context.Context, itemID string) ([]*types.FederatedShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedShare
	for _, share := range s.shares {
		if share.ItemID == itemID {
			out = append(out, copyShare(share))
		}
	}
	sortShares(out)
	return out, nil
}

func (s *MemoryStore) UpdateShare(_ context.Context, share *types.FederatedShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[share.ID]; !ok {
		return federation.ErrRecordNotFound
	}
	s.shares[share.ID] = copyShare(share)
	return nil
}

func (s *MemoryStore) TransitionShare(_ context.Context, id types.ShareID, expected []types.ShareStatus, to types.ShareStatus, acceptedAt *time.Time) (*types.FederatedShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[id]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}

	allowed := false
	for _, status := range expected {
		if share.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, federation.ErrConflict
	}

	share.Status = to
	if acceptedAt != nil {
		t := *acceptedAt
		share.AcceptedAt = &t
	}
	return copyShare(share), nil
}

func (s *MemoryStore) DeleteShare(_ context.Context, id types.ShareID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[id]; !ok {
		return federation.ErrRecordNotFound
	}
	delete(s.shares, id)
	return nil
}

func (s *MemoryStore) ListExpiredShares(_ context.Context, before time.Time) ([]*types.FederatedShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedShare
	for _, share := range s.shares {
		if share.Status == types.ShareExpired {
			continue
		}
		if share.ExpiresAt != nil && share.ExpiresAt.Before(before) {
			out = append(out, copyShare(share))
		}
	}
	sortShares(out)
	return out, nil
}

func (s *MemoryStore) LinkIdentity(_ context.Context, identity *types.FederatedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.identities {
		if existing.LocalUserID == identity.LocalUserID &&
			existing.RemoteUserID == identity.RemoteUserID &&
			existing.RemoteInstance == identity.RemoteInstance {
			return federation.ErrConflict
		}
	}
	out := *identity
	s.identities[identity.ID] = &out
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id types.IdentityID) (*types.FederatedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, federation.ErrRecordNotFound
	}
	out := *identity
	return &out, nil
}

func (s *MemoryStore) GetIdentityByFederatedID(_ context.Context, remoteUserID, remoteInstance string) (*types.FederatedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, identity := range s.identities {
		if identity.RemoteUserID == remoteUserID && identity.RemoteInstance == remoteInstance {
			out := *identity
			return &out, nil
		}
	}
	return nil, federation.ErrRecordNotFound
}

func (s *MemoryStore) ListIdentitiesForUser(_ context.Context, localUserID types.UserID) ([]*types.FederatedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedIdentity
	for _, identity := range s.identities {
		if identity.LocalUserID == localUserID {
			cp := *identity
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

func (s *MemoryStore) ListIdentitiesForInstance(_ context.Context, instanceDomain string) ([]*types.FederatedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedIdentity
	for _, identity := range s.identities {
		if identity.RemoteInstance == instanceDomain {
			cp := *identity
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateIdentity(_ context.Context, identity *types.FederatedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identity.ID]; !ok {
		return federation.ErrRecordNotFound
	}
	out := *identity
	s.identities[identity.ID] = &out
	return nil
}

func (s *MemoryStore) UnlinkIdentity(_ context.Context, id types.IdentityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; !ok {
		return federation.ErrRecordNotFound
	}
	delete(s.identities, id)
	return nil
}

func (s *MemoryStore) RecordActivity(_ context.Context, activity *types.FederatedActivity) error {
	s.mu.Lock()
	cp := *activity
	s.activities = append(s.activities, &cp)
	s.mu.Unlock()

	s.notifier.publish(&cp)
	return nil
}

func (s *MemoryStore) ListActivitiesFromInstance(_ context.Context, instanceDomain string, since *time.Time, limit int) ([]*types.FederatedActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedActivity
	for _, activity := range s.activities {
		if activity.InstanceDomain != instanceDomain {
			continue
		}
		if since != nil && !activity.Timestamp.After(*since) {
			continue
		}
		cp := *activity
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActivitiesForActor(_ context.Context, actorID string, limit int) ([]*types.FederatedActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.FederatedActivity
	for _, activity := range s.activities {
		if activity.ActorID != actorID {
			continue
		}
		cp := *activity
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SubscribeActivities() (<-chan *types.FederatedActivity, func()) {
	return s.notifier.subscribe()
}

func (s *MemoryStore) PruneActivities(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*types.FederatedActivity
	var pruned int64
	for _, activity := range s.activities {
		if activity.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, activity)
	}
	s.activities = kept
	return pruned, nil
}

func sortShares(shares []*types.FederatedShare) {
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].CreatedAt.Before(shares[j].CreatedAt)
	})
}

var _ federation.Repository = (*MemoryStore)(nil)
