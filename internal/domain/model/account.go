package model

import "time"

// Account is a tenant. ProviderConfig is an opaque JSON blob enumerating the
// providers the account uses and their credentials; the service resolver
// parses it when assembling provider handles.
type Account struct {
	ID             int64
	Name           string
	APIKey         string
	ProviderConfig string
	CreatedAt      time.Time
}
