package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedstore/pkg/crypto"
	"fedstore/pkg/federation"
	"fedstore/pkg/store"
	"fedstore/pkg/types"
)

type testEnv struct {
	svc    *federation.Service
	repo   *store.MemoryStore
	engine *crypto.Engine
	clock  *clock.Mock
}

func newTestEnv(t *testing.T, opts ...federation.ServiceOption) *testEnv {
	t.Helper()

	pair, err := crypto.GenerateKeyPair(crypto.AlgorithmEd25519)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	engine, err := crypto.NewEngine(crypto.AlgorithmEd25519, pair.PrivateKey, crypto.WithClock(mock))
	require.NoError(t, err)

	repo := store.NewMemoryStore()
	local := federation.LocalInstance{
		Domain:  "home.example",
		Name:    "Home",
		Version: "1.0.0",
		Capabilities: []types.Capability{
			types.CapabilitySendShares,
			types.CapabilityReceiveShares,
			types.CapabilityFederatedIdentity,
		},
	}

	opts = append([]federation.ServiceOption{federation.WithClock(mock)}, opts...)
	svc := federation.NewService(repo, engine, local, zap.NewNop(), opts...)

	return &testEnv{svc: svc, repo: repo, engine: engine, clock: mock}
}

// registerInstance seeds a peer directly in the repository.
func (e *testEnv) registerInstance(t *testing.T, domain string, status types.InstanceStatus, caps ...types.Capability) *types.FederatedInstance {
	t.Helper()
	inst := &types.FederatedInstance{
		ID:           types.InstanceID(uuid.NewString()),
		Domain:       domain,
		Name:         domain,
		Status:       status,
		Capabilities: caps,
		RegisteredAt: e.clock.Now(),
	}
	require.NoError(t, e.repo.RegisterInstance(context.Background(), inst))
	return inst
}

func TestRequestFederation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.svc.RequestFederation(ctx, "peer.example", "hi there")
	require.NoError(t, err)
	assert.Equal(t, types.InstancePending, inst.Status)
	assert.Equal(t, "peer.example", inst.Domain)

	_, err = env.svc.RequestFederation(ctx, "peer.example", "")
	require.Error(t, err)
	assert.Equal(t, federation.ErrAlreadyFederated, federation.KindOf(err))
}

func TestHandleFederationRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := &types.FederationRequest{
		SourceInstance: "peer.example",
		SourceName:     "Peer",
		SourceVersion:  "2.0.0",
		PublicKey:      "cGVlcmtleQ==",
		Capabilities:   []types.Capability{types.CapabilityReceiveShares},
	}

	resp, err := env.svc.HandleFederationRequest(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, env.engine.PublicKey(), resp.PublicKey)
	assert.NotEmpty(t, resp.Capabilities)

	inst, err := env.repo.GetInstanceByDomain(ctx, "peer.example")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceOnline, inst.Status)
	require.NotNil(t, inst.LastSeenAt)

	// A second request from the same peer is a negotiated non-acceptance.
	resp, err = env.svc.HandleFederationRequest(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Already federated", resp.Message)
}

func TestHandleFederationRequestDenyPolicy(t *testing.T) {
	env := newTestEnv(t, federation.WithAcceptPolicy(func(*types.FederationRequest) bool {
		return false
	}))
	ctx := context.Background()

	resp, err := env.svc.HandleFederationRequest(ctx, &types.FederationRequest{
		SourceInstance: "peer.example",
	})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)

	_, err = env.repo.GetInstanceByDomain(ctx, "peer.example")
	assert.ErrorIs(t, err, federation.ErrRecordNotFound)
}

func TestUpdateInstanceHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerInstance(t, "peer.example", types.InstanceOnline)

	inst, err := env.svc.UpdateInstanceHealth(ctx, "peer.example", false)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceOffline, inst.Status)

	inst, err = env.svc.UpdateInstanceHealth(ctx, "peer.example", true)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceOnline, inst.Status)
	require.NotNil(t, inst.LastSeenAt)
	assert.Equal(t, env.clock.Now(), *inst.LastSeenAt)

	_, err = env.svc.UpdateInstanceHealth(ctx, "ghost.example", true)
	assert.Equal(t, federation.ErrNotFound, federation.KindOf(err))
}

func TestUpdateInstanceHealthBlockedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerInstance(t, "bad.example", types.InstanceBlocked)

	for _, isOnline := range []bool{true, false} {
		inst, err := env.svc.UpdateInstanceHealth(ctx, "bad.example", isOnline)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceBlocked, inst.Status)
	}
}

func TestBlockAndRemoveInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seeded := env.registerInstance(t, "peer.example", types.InstanceOnline)

	inst, err := env.svc.BlockInstance(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceBlocked, inst.Status)

	require.NoError(t, env.svc.RemoveInstance(ctx, seeded.ID))
	_, err = env.svc.GetInstance(ctx, seeded.ID)
	assert.Equal(t, federation.ErrNotFound, federation.KindOf(err))
}

func TestCreateShareValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := federation.CreateShareInput{
		ItemID:         "f1",
		TargetInstance: "peer.example",
		Permissions:    []types.SharePermission{types.PermissionRead},
	}

	_, err := env.svc.CreateShare(ctx, input, "u1")
	assert.Equal(t, federation.ErrNotFederated, federation.KindOf(err))

	inst := env.registerInstance(t, "peer.example", types.InstanceOffline, types.CapabilityReceiveShares)
	_, err = env.svc.CreateShare(ctx, input, "u1")
	assert.Equal(t, federation.ErrInvalidOperation, federation.KindOf(err))

	_, err = env.repo.UpdateInstanceStatus(ctx, inst.ID, types.InstanceOnline, nil)
	require.NoError(t, err)

	// Capability still missing for this peer.
	noCaps := env.registerInstance(t, "bare.example", types.InstanceOnline)
	_ = noCaps
	bareInput := input
	bareInput.TargetInstance = "bare.example"
	_, err = env.svc.CreateShare(ctx, bareInput, "u1")
	assert.Equal(t, federation.ErrInvalidOperation, federation.KindOf(err))

	// No share rows were written by any failed attempt.
	shares, err := env.repo.ListSharesForItem(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestShareLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerInstance(t, "peer.example", types.InstanceOnline, types.CapabilityReceiveShares)

	days := 7
	share, err := env.svc.CreateShare(ctx, federation.CreateShareInput{
		ItemID:         "f1",
		TargetInstance: "peer.example",
		Permissions:    []types.SharePermission{types.PermissionRead},
		ExpiresInDays:  &days,
	}, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.SharePending, share.Status)
	assert.Equal(t, "home.example", share.SourceInstance)
	require.NotNil(t, share.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(7*24*time.Hour), *share.ExpiresAt)

	accepted, err := env.svc.AcceptShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShareAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	// Accepting twice is not idempotent.
	_, err = env.svc.AcceptShare(ctx, share.ID)
	assert.Equal(t, federation.ErrInvalidOperation, federation.KindOf(err))

	// Only the creator can revoke.
	_, err = env.svc.RevokeShare(ctx, share.ID, "intruder")
	assert.Equal(t, federation.ErrAuthorization, federation.KindOf(err))
	current, err := env.svc.GetShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShareAccepted, current.Status)

	revoked, err := env.svc.RevokeShare(ctx, share.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ShareRevoked, revoked.Status)
}

func TestDeclineShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerInstance(t, "peer.example", types.InstanceOnline, types.CapabilityReceiveShares)

	share, err := env.svc.CreateShare(ctx, federation.CreateShareInput{
		ItemID:         "f2",
		TargetInstance: "peer.example",
		Permissions:    []types.SharePermission{types.PermissionRead, types.PermissionWrite},
	}, "u1")
	require.NoError(t, err)

	declined, err := env.svc.DeclineShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShareDeclined, declined.Status)

	// A declined share cannot be revoked even by its creator.
	_, err = env.svc.RevokeShare(ctx, share.ID, "u1")
	assert.Equal(t, federation.ErrInvalidOperation, federation.KindOf(err))
}

func TestShareCreationRecordsActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerInstance(t, "peer.example", types.InstanceOnline, types.CapabilityReceiveShares)

	_, err := env.svc.CreateShare(ctx, federation.CreateShareInput{
		ItemID:         "f1",
		TargetInstance: "peer.example",
		Permissions:    []types.SharePermission{types.PermissionRead},
	}, "u1")
	require.NoError(t, err)

	activities, err := env.repo.ListActivitiesFromInstance(ctx, "peer.example", nil, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, types.ActivityShareCreated, activities[0].ActivityType)
	assert.Equal(t, "u1", activities[0].ActorID)
}

func TestLinkIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.LinkIdentity(ctx, "u1", "remote-user", "peer.example", "Remote User")
	assert.Equal(t, federation.ErrNotFederated, federation.KindOf(err))

	env.registerInstance(t, "peer.example", types.InstanceOnline, types.CapabilityReceiveShares)
	_, err = env.svc.LinkIdentity(ctx, "u1", "remote-user", "peer.example", "Remote User")
	assert.Equal(t, federation.ErrInvalidOperation, federation.KindOf(err))

	env.registerInstance(t, "idp.example", types.InstanceOnline, types.CapabilityFederatedIdentity)
	identity, err := env.svc.LinkIdentity(ctx, "u1", "remote-user", "idp.example", "Remote User")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), identity.LinkedAt)

	_, err = env.svc.LinkIdentity(ctx, "u1", "remote-user", "idp.example", "Remote User")
	assert.Equal(t, federation.ErrAlreadyExists, federation.KindOf(err))

	require.NoError(t, env.svc.UnlinkIdentity(ctx, identity.ID))
	identities, err := env.svc.ListIdentities(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, identities)
}

// failingRepo wraps a Repository and fails activity listing for one
// domain.
type failingRepo struct {
	federation.Repository
	failDomain string
	err        error
}

func (f *failingRepo) ListActivitiesFromInstance(ctx context.Context, domain string, since *time.Time, limit int) ([]*types.FederatedActivity, error) {
	if domain == f.failDomain {
		return nil, f.err
	}
	return f.Repository.ListActivitiesFromInstance(ctx, domain, since, limit)
}

func seedActivities(t *testing.T, env *testEnv, domain string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, env.repo.RecordActivity(context.Background(), &types.FederatedActivity{
			ID:             types.ActivityID(uuid.NewString()),
			InstanceDomain: domain,
			ActivityType:   types.ActivityShareCreated,
			ActorID:        "u1",
			Timestamp:      env.clock.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestGetActivitiesSingleDomain(t *testing.T) {
	env := newTestEnv(t)
	env.registerInstance(t, "a.example", types.InstanceOnline)
	seedActivities(t, env, "a.example", 3)

	activities, err := env.svc.GetActivities(context.Background(), "a.example", nil, 2)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.True(t, activities[0].Timestamp.After(activities[1].Timestamp))
}

func TestGetActivitiesFanOut(t *testing.T) {
	env := newTestEnv(t)
	env.registerInstance(t, "a.example", types.InstanceOnline)
	env.registerInstance(t, "b.example", types.InstanceOnline)
	seedActivities(t, env, "a.example", 5)
	seedActivities(t, env, "b.example", 5)

	activities, err := env.svc.GetActivities(context.Background(), "", nil, 4)
	require.NoError(t, err)
	// limit split evenly across the two instances
	require.Len(t, activities, 4)
	for i := 1; i < len(activities); i++ {
		assert.False(t, activities[i-1].Timestamp.Before(activities[i].Timestamp),
			"activities must be sorted descending by timestamp")
	}
}

func TestGetActivitiesFanOutAbortsOnError(t *testing.T) {
	env := newTestEnv(t)
	env.registerInstance(t, "a.example", types.InstanceOnline)
	env.registerInstance(t, "b.example", types.InstanceOnline)
	seedActivities(t, env, "a.example", 2)

	wrapped := &failingRepo{
		Repository: env.repo,
		failDomain: "b.example",
		err:        context.DeadlineExceeded,
	}
	svc := federation.NewService(wrapped, env.engine, federation.LocalInstance{Domain: "home.example"}, zap.NewNop())

	_, err := svc.GetActivities(context.Background(), "", nil, 10)
	require.Error(t, err)
	assert.Equal(t, federation.ErrStorage, federation.KindOf(err))

	// The partial variant surfaces the failure without discarding the rest.
	activities, failures, err := svc.GetActivitiesPartial(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Len(t, activities, 2)
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "b.example")
}

func TestSignAndVerifyMessage(t *testing.T) {
	env := newTestEnv(t, federation.WithReplayGuard(federation.NewReplayGuard(16, time.Minute)))
	ctx := context.Background()

	msg, err := env.svc.SignMessage("sync-request")
	require.NoError(t, err)
	assert.Equal(t, "home.example", msg.KeyID)
	assert.NotEmpty(t, msg.Nonce)

	// Register the sender as a peer carrying our public key, the way a
	// remote deployment would after the handshake.
	inst := &types.FederatedInstance{
		ID:           types.InstanceID(uuid.NewString()),
		Domain:       "home.example",
		PublicKey:    env.engine.PublicKey(),
		Status:       types.InstanceOnline,
		RegisteredAt: env.clock.Now(),
	}
	require.NoError(t, env.repo.RegisterInstance(ctx, inst))

	result, err := env.svc.VerifyMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, result.Valid(), "first verification should pass: %s", result.Reason)

	// Same envelope again: nonce already seen.
	result, err = env.svc.VerifyMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, result.Valid())
	assert.Contains(t, result.Reason, "nonce")
}

func TestVerifyMessageSenderChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.svc.SignMessage("payload")
	require.NoError(t, err)

	_, err = env.svc.VerifyMessage(ctx, msg)
	assert.Equal(t, federation.ErrNotFederated, federation.KindOf(err))

	env.registerInstance(t, "home.example", types.InstanceBlocked)
	result, err := env.svc.VerifyMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, result.Valid())
	assert.Contains(t, result.Reason, "blocked")
}
