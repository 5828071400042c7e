package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"fedstore/pkg/federation"
	"fedstore/pkg/store/migrations"
	"fedstore/pkg/types"
)

// SQLiteStore implements the federation Repository on SQLite. Status
// transitions are conditional UPDATEs keyed on the expected current
// status, which is the atomicity contract the service relies on.
type SQLiteStore struct {
	db       *sql.DB
	notifier *activityNotifier
}

// NewSQLiteStore opens (or creates) the database at path and applies
// migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// go-sqlite3 serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transitions.
	db.SetMaxOpenConns(1)

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, notifier: newActivityNotifier()}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeCapabilities(caps []types.Capability) (string, error) {
	if caps == nil {
		caps = []types.Capability{}
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("failed to encode capabilities: %w", err)
	}
	return string(raw), nil
}

func decodeCapabilities(raw string) ([]types.Capability, error) {
	var caps []types.Capability
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return caps, nil
}

func encodePermissions(perms []types.SharePermission) (string, error) {
	if perms == nil {
		perms = []types.SharePermission{}
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return "", fmt.Errorf("failed to encode permissions: %w", err)
	}
	return string(raw), nil
}

func decodePermissions(raw string) ([]types.SharePermission, error) {
	var perms []types.SharePermission
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	return perms, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) RegisterInstance(ctx context.Context, inst *types.FederatedInstance) error {
	caps, err := encodeCapabilities(inst.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO federated_instances
			(id, domain, name, version, public_key, capabilities, status, last_seen_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Domain, inst.Name, inst.Version, inst.PublicKey,
		caps, inst.Status, inst.LastSeenAt, inst.RegisteredAt)
	if isUniqueViolation(err) {
		return federation.ErrConflict
	}
	return err
}

const instanceColumns = `id, domain, name, version, public_key, capabilities, status, last_seen_at, registered_at`

func scanInstance(row interface{ Scan(...any) error }) (*types.FederatedInstance, error) {
	var inst types.FederatedInstance
	var caps string
	var lastSeen sql.NullTime
	err := row.Scan(&inst.ID, &inst.Domain, &inst.Name, &inst.Version,
		&inst.PublicKey, &caps, &inst.Status, &lastSeen, &inst.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrRecordNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		inst.LastSeenAt = &t
	}
	if inst.Capabilities, err = decodeCapabilities(caps); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id types.InstanceID) (*types.FederatedInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM federated_instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *SQLiteStore) GetInstanceByDomain(ctx context.Context, domain string) (*types.FederatedInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM federated_instances WHERE domain = ?`, domain)
	return scanInstance(row)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter federation.InstanceFilter) ([]*types.FederatedInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM federated_instances`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY domain`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.FederatedInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		// Capability tags are stored as an opaque JSON array, so this
		// filter is applied after decoding rather than in SQL.
		if filter.Capability != nil && !inst.HasCapability(*filter.Capability) {
			continue
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *types.FederatedInstance) error {
	caps, err := encodeCapabilities(inst.Capabilities)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE federated_instances
		SET domain = ?, name = ?, version = ?, public_key = ?, capabilities = ?,
		    status = ?, last_seen_at = ?, registered_at = ?
		WHERE id = ?`,
		inst.Domain, inst.Name, inst.Version, inst.PublicKey, caps,
		inst.Status, inst.LastSeenAt, inst.RegisteredAt, inst.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id types.InstanceID, status types.InstanceStatus, lastSeenAt *time.Time) (*types.FederatedInstance, error) {
	var res sql.Result
	var err error
	if lastSeenAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE federated_instances SET status = ?, last_seen_at = ? WHERE id = ?`,
			status, *lastSeenAt, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE federated_instances SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return nil, err
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

func (s *SQLiteStore) RemoveInstance(ctx context.Context, id types.InstanceID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM federated_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) ListStaleInstances(ctx context.Context, notSeenSince time.Time) ([]*types.FederatedInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM federated_instances
		WHERE last_seen_at IS NULL OR last_seen_at < ?
		ORDER BY domain`, notSeenSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.FederatedInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateShare(ctx context.Context, share *types.FederatedShare) error {
	perms, err := encodePermissions(share.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO federated_shares
			(id, item_id, source_instance, target_instance, target_user_id,
			 permissions, status, expires_at, created_by, created_at, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		share.ID, share.ItemID, share.SourceInstance, share.TargetInstance,
		share.TargetUserID, perms, share.Status, share.ExpiresAt,
		share.CreatedBy, share.CreatedAt, share.AcceptedAt)
	if isUniqueViolation(err) {
		return federation.ErrConflict
	}
	return err
}

const shareColumns = `id, item_id, source_instance, target_instance, target_user_id,
	permissions, status, expires_at, created_by, created_at, accepted_at`

func scanShare(row interface{ Scan(...any) error }) (*types.FederatedShare, error) {
	var share types.FederatedShare
	var perms string
	var expiresAt, acceptedAt sql.NullTime
	err := row.Scan(&share.ID, &share.ItemID, &share.SourceInstance,
		&share.TargetInstance, &share.TargetUserID, &perms, &share.Status,
		&expiresAt, &share.CreatedBy, &share.CreatedAt, &acceptedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrRecordNotFound
		}
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		share.ExpiresAt = &t
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		share.AcceptedAt = &t
	}
	if share.Permissions, err = decodePermissions(perms); err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *SQLiteStore) GetShare(ctx context.Context, id types.ShareID) (*types.FederatedShare, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM federated_shares WHERE id = ?`, id)
	return scanShare(row)
}

func (s *SQLiteStore) listShares(ctx context.Context, where string, args ...any) ([]*types.FederatedShare, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM federated_shares WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.FederatedShare
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOutgoingShares(ctx context.Context, userID types.UserID, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	if status != nil {
		return s.listShares(ctx, `created_by = ? AND status = ?`, userID, *status)
	}
	return s.listShares(ctx, `created_by = ?`, userID)
}

func (s *SQLiteStore) ListIncomingShares(ctx context.Context, instanceDomain string, status *types.ShareStatus) ([]*types.FederatedShare, error) {
	if status != nil {
		return s.listShares(ctx, `target_instance = ? AND status = ?`, instanceDomain, *status)
	}
	return s.listShares(ctx, `target_instance = ?`, instanceDomain)
}

func (s *SQLiteStore) ListSharesForItem(ctx context.Context, itemID string) ([]*types.FederatedShare, error) {
	return s.listShares(ctx, `item_id = ?`, itemID)
}

func (s *SQLiteStore) UpdateShare(ctx context.Context, share *types.FederatedShare) error {
	perms, err := encodePermissions(share.Permissions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE federated_shares
		SET item_id = ?, source_instance = ?, target_instance = ?, target_user_id = ?,
		    permissions = ?, status = ?, expires_at = ?, created_by = ?, created_at = ?, accepted_at = ?
		WHERE id = ?`,
		share.ItemID, share.SourceInstance, share.TargetInstance, share.TargetUserID,
		perms, share.Status, share.ExpiresAt, share.CreatedBy, share.CreatedAt,
		share.AcceptedAt, share.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) TransitionShare(ctx context.Context, id types.ShareID, expected []types.ShareStatus, to types.ShareStatus, acceptedAt *time.Time) (*types.FederatedShare, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expected)), ",")
	args := []any{to}
	if acceptedAt != nil {
		args = append(args, *acceptedAt)
	}
	args = append(args, id)
	for _, status := range expected {
		args = append(args, status)
	}

	query := `UPDATE federated_shares SET status = ?`
	if acceptedAt != nil {
		query += `, accepted_at = ?`
	}
	query += ` WHERE id = ? AND status IN (` + placeholders + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing row from a state conflict.
		if _, err := s.GetShare(ctx, id); err != nil {
			return nil, err
		}
		return nil, federation.ErrConflict
	}
	return s.GetShare(ctx, id)
}

func (s *SQLiteStore) DeleteShare(ctx context.Context, id types.ShareID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM federated_shares WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) ListExpiredShares(ctx context.Context, before time.Time) ([]*types.FederatedShare, error) {
	return s.listShares(ctx,
		`expires_at IS NOT NULL AND expires_at < ? AND status != ?`,
		before, types.ShareExpired)
}

func (s *SQLiteStore) LinkIdentity(ctx context.Context, identity *types.FederatedIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federated_identities
			(id, local_user_id, remote_user_id, remote_instance, display_name, linked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.LocalUserID, identity.RemoteUserID,
		identity.RemoteInstance, identity.DisplayName, identity.LinkedAt)
	if isUniqueViolation(err) {
		return federation.ErrConflict
	}
	return err
}

const identityColumns = `id, local_user_id, remote_user_id, remote_instance, display_name, linked_at`

func scanIdentity(row interface{ Scan(...any) error }) (*types.FederatedIdentity, error) {
	var identity types.FederatedIdentity
	err := row.Scan(&identity.ID, &identity.LocalUserID, &identity.RemoteUserID,
		&identity.RemoteInstance, &identity.DisplayName, &identity.LinkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrRecordNotFound
		}
		return nil, err
	}
	return &identity, nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id types.IdentityID) (*types.FederatedIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM federated_identities WHERE id = ?`, id)
	return scanIdentity(row)
}

func (s *SQLiteStore) GetIdentityByFederatedID(ctx context.Context, remoteUserID, remoteInstance string) (*types.FederatedIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+identityColumns+` FROM federated_identities
		WHERE remote_user_id = ? AND remote_instance = ?`, remoteUserID, remoteInstance)
	return scanIdentity(row)
}

func (s *SQLiteStore) listIdentities(ctx context.Context, where string, args ...any) ([]*types.FederatedIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM federated_identities WHERE `+where+` ORDER BY linked_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.FederatedIdentity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListIdentitiesForUser(ctx context.Context, localUserID types.UserID) ([]*types.FederatedIdentity, error) {
	return s.listIdentities(ctx, `local_user_id = ?`, localUserID)
}

func (s *SQLiteStore) ListIdentitiesForInstance(ctx context.Context, instanceDomain string) ([]*types.FederatedIdentity, error) {
	return s.listIdentities(ctx, `remote_instance = ?`, instanceDomain)
}

func (s *SQLiteStore) UpdateIdentity(ctx context.Context, identity *types.FederatedIdentity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE federated_identities
		SET local_user_id = ?, remote_user_id = ?, remote_instance = ?, display_name = ?, linked_at = ?
		WHERE id = ?`,
		identity.LocalUserID, identity.RemoteUserID, identity.RemoteInstance,
		identity.DisplayName, identity.LinkedAt, identity.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) UnlinkIdentity(ctx context.Context, id types.IdentityID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM federated_identities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecordActivity(ctx context.Context, activity *types.FederatedActivity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federated_activities
			(id, instance_domain, activity_type, actor_id, object_id, object_type, summary, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.ID, activity.InstanceDomain, activity.ActivityType,
		activity.ActorID, activity.ObjectID, activity.ObjectType,
		activity.Summary, activity.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return federation.ErrConflict
		}
		return err
	}
	s.notifier.publish(activity)
	return nil
}

const activityColumns = `id, instance_domain, activity_type, actor_id, object_id, object_type, summary, timestamp`

func scanActivity(row interface{ Scan(...any) error }) (*types.FederatedActivity, error) {
	var activity types.FederatedActivity
	err := row.Scan(&activity.ID, &activity.InstanceDomain, &activity.ActivityType,
		&activity.ActorID, &activity.ObjectID, &activity.ObjectType,
		&activity.Summary, &activity.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrRecordNotFound
		}
		return nil, err
	}
	return &activity, nil
}

func (s *SQLiteStore) listActivities(ctx context.Context, where string, limit int, args ...any) ([]*types.FederatedActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM federated_activities WHERE ` + where +
		` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.FederatedActivity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, activity)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActivitiesFromInstance(ctx context.Context, instanceDomain string, since *time.Time, limit int) ([]*types.FederatedActivity, error) {
	if since != nil {
		return s.listActivities(ctx, `instance_domain = ? AND timestamp > ?`, limit, instanceDomain, *since)
	}
	return s.listActivities(ctx, `instance_domain = ?`, limit, instanceDomain)
}

func (s *SQLiteStore) ListActivitiesForActor(ctx context.Context, actorID string, limit int) ([]*types.FederatedActivity, error) {
	return s.listActivities(ctx, `actor_id = ?`, limit, actorID)
}

func (s *SQLiteStore) SubscribeActivities() (<-chan *types.FederatedActivity, func()) {
	return s.notifier.subscribe()
}

func (s *SQLiteStore) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM federated_activities WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return federation.ErrRecordNotFound
	}
	return nil
}

var _ federation.Repository = (*SQLiteStore)(nil)
