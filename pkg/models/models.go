package models

import "time"

// Identity is the public half of a long-term X25519 identity keypair.
type Identity struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
}

// Participant is a directory entry for a remote identity whose public key
// this device has on file.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	PublicKey   []byte    `json:"public_key"`
	AddedAt     time.Time `json:"added_at"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

func (p Participant) Clone() Participant {
	out := p
	out.PublicKey = append([]byte(nil), p.PublicKey...)
	return out
}
