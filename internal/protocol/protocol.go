package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SchemaVersion is written into the "v" tag of every entity we encode.
const SchemaVersion = "1"

// Event kinds. These numbers are shared with every other reader of the log.
const (
	KindWorld  = 31415
	KindMap    = 31416
	KindSlot   = 31417
	KindAction = 14159
)

// Tag keys.
const (
	TagID              = "d"
	TagVersion         = "v"
	TagWorld           = "world"
	TagMap             = "map"
	TagSlot            = "slot"
	TagType            = "type"
	TagKind            = "kind"
	TagCrop            = "crop"
	TagStage           = "stage"
	TagPlantedAt       = "planted_at"
	TagReadyAt         = "ready_at"
	TagExpireAt        = "expire_at"
	TagRegrowAt        = "regrow_at"
	TagHarvestCount    = "harvest_count"
	TagHarvestMax      = "harvest_max"
	TagStatus          = "status"
	TagLastHarvestedAt = "last_harvested_at"
	TagSlotID          = "slot_d"
	TagAction          = "action"
	TagExpectedRev     = "expected_rev"
	TagClientNonce     = "client_nonce"
	TagDiscovery       = "t"

	TagName        = "name"
	TagCategory    = "category"
	TagPack        = "pack"
	TagEntry       = "entry"
	TagSeason      = "season"
	TagLayout      = "layout"
	TagDescription = "description"
)

// Tags is the list of key-tagged string arrays carried by an envelope.
type Tags [][]string

// Find returns the first tag whose key matches, or nil.
func (t Tags) Find(key string) []string {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == key {
			return tag
		}
	}
	return nil
}

// Value returns the first value of the first tag with the given key.
func (t Tags) Value(key string) (string, bool) {
	tag := t.Find(key)
	if len(tag) < 2 {
		return "", false
	}
	return tag[1], true
}

// Envelope is the generic wire record stored in the log.
type Envelope struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Hash computes the canonical event id: sha256 over
// [0, pubkey, created_at, kind, tags, content].
func (e *Envelope) Hash() string {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	b, _ := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DTag returns the entity id carried by the envelope.
func (e *Envelope) DTag() string {
	v, _ := e.Tags.Value(TagID)
	return v
}

// IsReplaceable reports whether relays keep only the newest event per
// (pubkey, kind, d).
func IsReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Before reports whether a precedes b in log order: older created_at first,
// ties broken by id.
func Before(a, b *Envelope) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
