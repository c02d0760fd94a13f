package server

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/peerchat/peerchat/chat"
)

const identityCacheSize = 256

var (
	ErrBadThumbprint = errors.New("thumbprint does not match certificate")
	ErrBadIdentity   = errors.New("invalid identity")
)

// identityCache verifies claimed identities: the thumbprint of a registering
// user must be the SHA-256 digest of the DER certificate it travels with.
// Parsed certificates are cached by thumbprint so reconnecting users do not
// pay the parse again.
type identityCache struct {
	certs *lru.Cache[string, *x509.Certificate]
}

func newIdentityCache() *identityCache {
	cache, _ := lru.New[string, *x509.Certificate](identityCacheSize)
	return &identityCache{certs: cache}
}

// Verify checks a registration identity. A user without a certificate must
// also claim no thumbprint; with one, the claimed thumbprint must match the
// certificate digest.
func (ic *identityCache) Verify(user chat.UserSnapshot) error {
	nick := user.ID.Nickname
	if nick == "" || user.ID.IsTemp() {
		return fmt.Errorf("%w: nickname %q", ErrBadIdentity, nick)
	}
	if len(user.Cert) == 0 {
		if user.ID.Thumbprint != "" {
			return fmt.Errorf("%w: thumbprint without certificate", ErrBadIdentity)
		}
		return nil
	}

	claimed := strings.ToLower(user.ID.Thumbprint)
	if cert, ok := ic.certs.Get(claimed); ok && string(cert.Raw) == string(user.Cert) {
		return nil
	}

	digest := sha256.Sum256(user.Cert)
	actual := hex.EncodeToString(digest[:])
	if claimed != actual {
		return fmt.Errorf("%w: claimed %s", ErrBadThumbprint, claimed)
	}
	cert, err := x509.ParseCertificate(user.Cert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	ic.certs.Add(actual, cert)
	return nil
}
