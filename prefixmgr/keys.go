package prefixmgr

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/netip"
)

// KeyFormat selects between the legacy and compact kvstore key naming
// schemes. A node emits exactly one form per write; see DESIGN.md for the
// chosen default.
type KeyFormat int

const (
	KeyFormatLegacy KeyFormat = iota
	KeyFormatV2
)

// PrefixKey renders the kvstore key name a PrefixEntry is persisted under,
// in the configured format.
func PrefixKey(format KeyFormat, nodeId, areaId string, prefix netip.Prefix) string {
	switch format {
	case KeyFormatV2:
		return fmt.Sprintf("p2:%s:%s:%s", nodeId, areaId, prefix.String())
	default:
		return fmt.Sprintf("prefix:%s:%s:%s", nodeId, areaId, prefix.String())
	}
}

// PrefixDatabase is the gob-encoded body carried in Value.Value for every
// prefix key. A DeletePrefix=true body with no entries withdraws the key.
type PrefixDatabase struct {
	ThisNodeName  string
	PrefixEntries []PrefixEntry
	DeletePrefix  bool
}

// Encode gob-encodes db for the kvstore Value body. The wire format is
// encoding/gob rather than a schema compiler output — see DESIGN.md for
// why (no protoc available in this environment).
func (db PrefixDatabase) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(db); err != nil {
		return nil, fmt.Errorf("encode prefix database: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePrefixDatabase reverses Encode.
func DecodePrefixDatabase(body []byte) (PrefixDatabase, error) {
	var db PrefixDatabase
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&db); err != nil {
		return PrefixDatabase{}, fmt.Errorf("decode prefix database: %w", err)
	}
	return db, nil
}

// WithdrawBody is the canonical empty, DeletePrefix=true body used to
// withdraw a key.
func WithdrawBody(nodeName string) PrefixDatabase {
	return PrefixDatabase{ThisNodeName: nodeName, DeletePrefix: true}
}
