package transfer

import (
	"time"
)

// CredentialSafetyMargin is how long before expiry a credential stops being used
const CredentialSafetyMargin = 5 * time.Minute

// Credential is a short-lived authorization to read or write one remote object
type Credential struct {
	AccessKey     string    `json:"access_key"`
	SecretKey     string    `json:"secret_key"`
	SecurityToken string    `json:"security_token"`
	Endpoint      string    `json:"endpoint"`
	Bucket        string    `json:"bucket"`
	RemoteKey     string    `json:"remote_key"`
	Secure        bool      `json:"secure"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Usable reports whether the credential may still start a transport call at now
func (c *Credential) Usable(now time.Time) bool {
	if c == nil {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-CredentialSafetyMargin))
}
