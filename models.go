package main

import "time"

// UserRecord maps an identity to the messaging endpoint that approves its logins.
type UserRecord struct {
	Identity   string
	EndpointID int64
	Bypass     bool
	CreatedAt  time.Time
}

// IdentityStatus is the policy view of a directory lookup.
type IdentityStatus int

const (
	StatusUnregistered IdentityStatus = iota
	StatusNormal
	StatusBypass
)

func (s IdentityStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusBypass:
		return "bypass"
	default:
		return "unregistered"
	}
}

// statusOf classifies a lookup result. Records without an endpoint are bypass
// only when bypassEnabled is set; otherwise nobody can approve them.
func statusOf(rec *UserRecord, bypassEnabled bool) IdentityStatus {
	switch {
	case rec == nil:
		return StatusUnregistered
	case rec.Bypass:
		return StatusBypass
	case rec.EndpointID == 0 && bypassEnabled:
		return StatusBypass
	case rec.EndpointID == 0:
		return StatusUnregistered
	default:
		return StatusNormal
	}
}
