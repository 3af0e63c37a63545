package model

import "time"

// Repository is an (owner, name) pair tracked for scanning. LastScanAt
// drives incremental ingest; nil means the repo has never completed a scan.
type Repository struct {
	ID         int64
	Owner      string
	Name       string
	LastScanAt *time.Time
	CreatedAt  time.Time
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}
