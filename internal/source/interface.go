package source

import (
	"context"
	"fmt"
	"time"
)

// IntegrationType identifies which backend adapter a guild integration binds to.
// It is fixed when the integration record is created and never changes.
type IntegrationType string

const (
	IntegrationSakuraAI    IntegrationType = "sakuraai"
	IntegrationCharacterAI IntegrationType = "characterai"
	IntegrationOpenRouter  IntegrationType = "openrouter"
)

// ParseIntegrationType converts a user- or database-supplied string into an
// IntegrationType, accepting a few common aliases for admin command ergonomics.
func ParseIntegrationType(s string) (IntegrationType, error) {
	switch s {
	case "sakura", "sakuraai":
		return IntegrationSakuraAI, nil
	case "cai", "characterai":
		return IntegrationCharacterAI, nil
	case "or", "openrouter":
		return IntegrationOpenRouter, nil
	default:
		return "", fmt.Errorf("%w: unknown integration type %q", ErrInvalidBinding, s)
	}
}

// CharacterSourceType identifies where imported character card content came
// from. It is independent of the IntegrationType serving the character: ChubAI
// cards are served through the CharacterAI chat backend, while SakuraAI cards
// are served by the SakuraAI backend itself.
type CharacterSourceType string

const (
	SourceSakuraAI CharacterSourceType = "sakuraai"
	SourceChubAI   CharacterSourceType = "chubai"
)

// Credential is a read-only snapshot of an integration's secrets, handed to an
// adapter per call. Adapters never mutate stored credentials; a rotation
// returns a new Credential through Refreshable for the registry to persist.
type Credential struct {
	Email        string // SakuraAI account email
	Token        string // SakuraAI access token (rotates)
	RefreshToken string // SakuraAI single-use refresh token
	APIKey       string // static secret for API-key backends
}

// Reply is the normalized response every adapter produces.
type Reply struct {
	Text      string
	Truncated bool
	// SessionID carries a backend-assigned chat/session id the caller must
	// persist when the adapter created one lazily on this call.
	SessionID string
	// RetryAfter is the backend's backoff hint, zero when none was given.
	RetryAfter time.Duration
}

// Character is the minimal identity every backend needs: an opaque
// backend-issued id plus a local display name.
type Character interface {
	RemoteID() string
	DisplayName() string
}

// CardCharacter is a Character backed by imported card content. Only
// card-capable backends (SakuraAI, CharacterAI) construct these; chat-only
// characters simply do not have these accessors.
type CardCharacter interface {
	Character
	SourceType() CharacterSourceType
	Description() string
	Persona() string
	Scenario() string
	Greeting() string
	MessageCount() int
	// ChatSessionID returns the backend-held chat id, empty until the backend
	// creates one on the first message.
	ChatSessionID() string
}

// ChatBackend is the one capability every adapter must provide: translate a
// normalized send into the backend's wire protocol and back.
//
// Send returns ErrRemoteUnavailable on transport failure, ErrAuthExpired when
// the credential is rejected, and a RateLimitError when the backend throttles.
type ChatBackend interface {
	Type() IntegrationType
	Send(ctx context.Context, cred Credential, ch Character, message string) (*Reply, error)
}

// Configurable marks backends authenticated by a static secret.
type Configurable interface {
	APIKey(cred Credential) string
}

// Refreshable marks backends with rotating credentials. Refresh exchanges the
// stored refresh token for a new token pair; the exchange is single-use, so
// the returned Credential must be persisted before the old one is discarded.
// A revoked refresh token yields ErrCredentialRevoked.
type Refreshable interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// ValidateCredential checks that a credential payload carries the fields the
// target backend requires. It is called at bind time so a capability mismatch
// is rejected before anything is persisted.
func ValidateCredential(t IntegrationType, cred Credential) error {
	switch t {
	case IntegrationSakuraAI:
		if cred.Email == "" || cred.RefreshToken == "" {
			return fmt.Errorf("%w: sakuraai requires an account email and refresh token", ErrInvalidBinding)
		}
	case IntegrationCharacterAI:
		if cred.Token == "" {
			return fmt.Errorf("%w: characterai requires an access token", ErrInvalidBinding)
		}
	case IntegrationOpenRouter:
		if cred.APIKey == "" {
			return fmt.Errorf("%w: openrouter requires a non-empty API key", ErrInvalidBinding)
		}
	default:
		return fmt.Errorf("%w: unknown integration type %q", ErrInvalidBinding, t)
	}
	return nil
}

// RemoteCharacter is the plain identity used by chat-only backends.
type RemoteCharacter struct {
	ID   string
	Name string
}

func (c *RemoteCharacter) RemoteID() string    { return c.ID }
func (c *RemoteCharacter) DisplayName() string { return c.Name }

// CardData is the constructor payload for a Card.
type CardData struct {
	RemoteID      string
	Name          string
	Source        CharacterSourceType
	Description   string
	Persona       string
	Scenario      string
	Greeting      string
	MessageCount  int
	ChatSessionID string
}

// Card implements CardCharacter over imported card content.
type Card struct {
	d CardData
}

// NewCard builds a Card from persisted card content.
func NewCard(d CardData) *Card { return &Card{d: d} }

func (c *Card) RemoteID() string                { return c.d.RemoteID }
func (c *Card) DisplayName() string             { return c.d.Name }
func (c *Card) SourceType() CharacterSourceType { return c.d.Source }
func (c *Card) Description() string             { return c.d.Description }
func (c *Card) Persona() string                 { return c.d.Persona }
func (c *Card) Scenario() string                { return c.d.Scenario }
func (c *Card) Greeting() string                { return c.d.Greeting }
func (c *Card) MessageCount() int               { return c.d.MessageCount }
func (c *Card) ChatSessionID() string           { return c.d.ChatSessionID }
