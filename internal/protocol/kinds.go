package protocol

// Kind discriminates the object families an authorization server asks the
// storage layer to persist. Everything except Client lives in the
// polymorphic payload table; Client has its own entity.
type Kind string

const (
	KindSession                    Kind = "Session"
	KindAccessToken                Kind = "AccessToken"
	KindAuthorizationCode          Kind = "AuthorizationCode"
	KindRefreshToken               Kind = "RefreshToken"
	KindDeviceCode                 Kind = "DeviceCode"
	KindClientCredentials          Kind = "ClientCredentials"
	KindClient                     Kind = "Client"
	KindInitialAccessToken         Kind = "InitialAccessToken"
	KindRegistrationAccessToken    Kind = "RegistrationAccessToken"
	KindInteraction                Kind = "Interaction"
	KindReplayDetection            Kind = "ReplayDetection"
	KindPushedAuthorizationRequest Kind = "PushedAuthorizationRequest"
	KindGrant                      Kind = "Grant"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{
		KindSession, KindAccessToken, KindAuthorizationCode, KindRefreshToken,
		KindDeviceCode, KindClientCredentials, KindClient, KindInitialAccessToken,
		KindRegistrationAccessToken, KindInteraction, KindReplayDetection,
		KindPushedAuthorizationRequest, KindGrant,
	}
}

func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// PayloadVersion tags serialized payloads so later shape changes stay
// detectable instead of drifting silently.
const PayloadVersion = 1

// Payload is the schematized content of one stored protocol object. All
// kinds share this shape; the indexed correlation fields (GrantID,
// UserCode, UID) are mirrored into columns by the storage adapter.
type Payload struct {
	Version   int            `json:"v"`
	GrantID   string         `json:"grantId,omitempty"`
	UserCode  string         `json:"userCode,omitempty"`
	UID       string         `json:"uid,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Nonce     string         `json:"nonce,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// Consumed is synthesized on read from the row's consumed_at marker.
	// It is never serialized into the stored blob.
	Consumed bool `json:"-"`
}
