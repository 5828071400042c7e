package types

import "time"

type InstanceID string
type ShareID string
type IdentityID string
type ActivityID string
type UserID string

// InstanceStatus tracks the federation state of a remote instance.
type InstanceStatus string

const (
	InstancePending InstanceStatus = "PENDING" // we initiated, awaiting peer acceptance
	InstanceOnline  InstanceStatus = "ONLINE"
	InstanceOffline InstanceStatus = "OFFLINE"
	InstanceBlocked InstanceStatus = "BLOCKED" // terminal for automated transitions
)

// ShareStatus tracks the lifecycle of a federated share.
type ShareStatus string

const (
	SharePending  ShareStatus = "PENDING"
	ShareAccepted ShareStatus = "ACCEPTED"
	ShareDeclined ShareStatus = "DECLINED"
	ShareRevoked  ShareStatus = "REVOKED"
	ShareExpired  ShareStatus = "EXPIRED" // system-driven, set by the retention sweep
)

// SharePermission is an access right carried by a share.
type SharePermission string

const (
	PermissionRead  SharePermission = "READ"
	PermissionWrite SharePermission = "WRITE"
	PermissionAdmin SharePermission = "ADMIN"
)

// Capability is a feature flag advertised by an instance. The set is
// extensible; unknown tags are stored opaquely.
type Capability string

const (
	CapabilitySendShares        Capability = "SEND_SHARES"
	CapabilityReceiveShares     Capability = "RECEIVE_SHARES"
	CapabilityFederatedIdentity Capability = "FEDERATED_IDENTITY"
)

// ActivityType classifies entries in the federation activity feed.
type ActivityType string

const (
	ActivityShareCreated     ActivityType = "SHARE_CREATED"
	ActivityShareAccepted    ActivityType = "SHARE_ACCEPTED"
	ActivityShareDeclined    ActivityType = "SHARE_DECLINED"
	ActivityShareRevoked     ActivityType = "SHARE_REVOKED"
	ActivityIdentityLinked   ActivityType = "IDENTITY_LINKED"
	ActivityIdentityUnlinked ActivityType = "IDENTITY_UNLINKED"
	ActivityInstanceJoined   ActivityType = "INSTANCE_JOINED"
)

// FederatedInstance is a remote deployment participating in federation.
// Domain is the unique, stable peer key.
type FederatedInstance struct {
	ID           InstanceID
	Domain       string
	Name         string
	Version      string
	PublicKey    string
	Capabilities []Capability
	Status       InstanceStatus
	LastSeenAt   *time.Time
	RegisteredAt time.Time
}

// HasCapability reports whether the instance advertises the given tag.
func (i *FederatedInstance) HasCapability(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// FederatedShare grants access to a local storage item to a user or
// instance on another deployment. Ownership of the item is not held here.
type FederatedShare struct {
	ID             ShareID
	ItemID         string
	SourceInstance string
	TargetInstance string
	TargetUserID   UserID
	Permissions    []SharePermission
	Status         ShareStatus
	ExpiresAt      *time.Time
	CreatedBy      UserID
	CreatedAt      time.Time
	AcceptedAt     *time.Time
}

// FederatedIdentity links a local user account to an account on a remote
// instance. Many identities may map to one local user.
type FederatedIdentity struct {
	ID             IdentityID
	LocalUserID    UserID
	RemoteUserID   string
	RemoteInstance string
	DisplayName    string
	LinkedAt       time.Time
}

// FederatedActivity is an append-only feed entry; pruned by age.
type FederatedActivity struct {
	ID             ActivityID
	InstanceDomain string
	ActivityType   ActivityType
	ActorID        string
	ObjectID       string
	ObjectType     string
	Summary        string
	Timestamp      time.Time
}

// SignedFederationMessage is the authenticated envelope exchanged between
// instances. It is ephemeral and never persisted. Timestamp is epoch
// seconds; the signature covers the canonical form
// "{timestamp}:{nonce}:{payload}".
type SignedFederationMessage struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"` // base64
	Algorithm string `json:"algorithm"` // "Ed25519" or "SHA256withRSA"
	Nonce     string `json:"nonce"`     // UUID; must not contain ':'
	Timestamp int64  `json:"timestamp"`
	KeyID     string `json:"key_id,omitempty"`
}

// FederationRequest is the inbound handshake from a peer that wants to
// federate with this instance.
type FederationRequest struct {
	SourceInstance string       `json:"source_instance"`
	SourceName     string       `json:"source_name"`
	SourceVersion  string       `json:"source_version"`
	PublicKey      string       `json:"public_key"`
	Capabilities   []Capability `json:"capabilities"`
	Message        string       `json:"message,omitempty"`
}

// FederationResponse is the handshake decision returned to the peer.
// A non-accepting response is a negotiated outcome, not an error.
type FederationResponse struct {
	Accepted     bool         `json:"accepted"`
	InstanceID   InstanceID   `json:"instance_id,omitempty"`
	PublicKey    string       `json:"public_key,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Message      string       `json:"message"`
}
