// Package model defines the core domain types for the skip-trace engine.
package model

import "strings"

// Subject is one property/owner record submitted for contact enrichment.
type Subject struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Owner   string `json:"owner"`
}

// Validate reports whether the subject carries enough input to trace.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingSubjectID
	}
	if strings.TrimSpace(s.Address) == "" && strings.TrimSpace(s.Owner) == "" {
		return ErrUnusableSubject
	}
	return nil
}

// Contacts holds the normalized phones and emails parsed from a provider
// response. This is the only shape downstream consumers ever see; raw
// provider JSON stays opaque at the storage boundary.
type Contacts struct {
	Phones []Phone `json:"phones,omitempty"`
	Emails []Email `json:"emails,omitempty"`
}

// Phone is a single phone number with provider-reported metadata.
type Phone struct {
	Number   string `json:"number"`
	Type     string `json:"type,omitempty"` // mobile, landline, voip
	DNC      bool   `json:"dnc,omitempty"`
	Score    int    `json:"score,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Email is a single email address with provider-reported metadata.
type Email struct {
	Address string `json:"address"`
	Score   int    `json:"score,omitempty"`
}

// Empty reports whether no contact points were found.
func (c Contacts) Empty() bool {
	return len(c.Phones) == 0 && len(c.Emails) == 0
}
