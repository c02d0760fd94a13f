package chat

import (
	"fmt"
	"strings"
)

// tempPrefix marks identities handed to connections that have not registered
// yet. They never collide with real nicknames because registration rejects
// the prefix.
const tempPrefix = "#temp/"

// UserID identifies a user by nickname plus certificate thumbprint.
// Thumbprints compare case-insensitively, nicknames ordinally; the thumbprint
// is normalized to lower case on construction so UserID values compare
// with ==. A UserID is immutable once registered.
type UserID struct {
	Nickname   string `json:"nickname"`
	Thumbprint string `json:"thumbprint"`
}

func NewUserID(nickname, thumbprint string) UserID {
	return UserID{
		Nickname:   nickname,
		Thumbprint: strings.ToLower(thumbprint),
	}
}

// TempUserID returns the placeholder identity of an unregistered connection.
func TempUserID(token string) UserID {
	return UserID{Nickname: tempPrefix + token}
}

func (id UserID) IsTemp() bool {
	return strings.HasPrefix(id.Nickname, tempPrefix)
}

func (id UserID) String() string {
	return fmt.Sprintf("%s[%s]", id.Nickname, id.Thumbprint)
}

// User is a registered participant. Owned by the Model; created on
// registration, removed on disconnect or unregister.
type User struct {
	ID    UserID `json:"id"`
	Color string `json:"color"`
	// Cert is the DER-encoded certificate, carried client-side for
	// post-connect peer verification.
	Cert []byte `json:"cert,omitempty"`

	// voice counts the reasons this user should receive outbound voice
	// packets: one per enabled voice room they share with us. Membership
	// alone does not decide voice targeting, this counter does.
	voice int
}

func (u *User) IncVoice() {
	u.voice++
}

func (u *User) DecVoice() {
	if u.voice > 0 {
		u.voice--
	}
}

// VoiceActive reports whether outbound voice packets should target the user.
func (u *User) VoiceActive() bool {
	return u.voice > 0
}
