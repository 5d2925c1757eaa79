package kdf

// Material is the resolved key set for one (conversation, epoch): the raw
// key plus its three caller-facing subkeys. Values handed to callers are
// snapshots; mutating one copy never affects another.
type Material struct {
	ConversationID string
	Epoch          uint64
	RawKey         []byte
	MessageKey     []byte
	MediaKey       []byte
	AuthKey        []byte
}

// DeriveMaterial expands rawKey into the full subkey bundle for a
// conversation epoch.
func DeriveMaterial(rawKey []byte, conversationID string, epoch uint64) (Material, error) {
	messageKey, err := Derive(rawKey, conversationID, epoch, PurposeMessage)
	if err != nil {
		return Material{}, err
	}
	mediaKey, err := Derive(rawKey, conversationID, epoch, PurposeMedia)
	if err != nil {
		return Material{}, err
	}
	authKey, err := Derive(rawKey, conversationID, epoch, PurposeAuth)
	if err != nil {
		return Material{}, err
	}
	return Material{
		ConversationID: conversationID,
		Epoch:          epoch,
		RawKey:         append([]byte(nil), rawKey...),
		MessageKey:     messageKey,
		MediaKey:       mediaKey,
		AuthKey:        authKey,
	}, nil
}

func (m Material) Clone() Material {
	out := m
	out.RawKey = append([]byte(nil), m.RawKey...)
	out.MessageKey = append([]byte(nil), m.MessageKey...)
	out.MediaKey = append([]byte(nil), m.MediaKey...)
	out.AuthKey = append([]byte(nil), m.AuthKey...)
	return out
}

// Zero wipes this copy's buffers in place.
func (m *Material) Zero() {
	Zero(m.RawKey)
	Zero(m.MessageKey)
	Zero(m.MediaKey)
	Zero(m.AuthKey)
}
