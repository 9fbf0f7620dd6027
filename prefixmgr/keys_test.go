package prefixmgr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixKeyFormats(t *testing.T) {
	p := netip.MustParsePrefix("10.0.0.0/24")
	assert.Equal(t, "prefix:node1:area1:10.0.0.0/24", PrefixKey(KeyFormatLegacy, "node1", "area1", p))
	assert.Equal(t, "p2:node1:area1:10.0.0.0/24", PrefixKey(KeyFormatV2, "node1", "area1", p))
}

func TestPrefixDatabaseRoundTrip(t *testing.T) {
	db := PrefixDatabase{
		ThisNodeName: "node1",
		PrefixEntries: []PrefixEntry{
			{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Type: TypeConfig},
		},
	}
	body, err := db.Encode()
	assert.NoError(t, err)

	decoded, err := DecodePrefixDatabase(body)
	assert.NoError(t, err)
	assert.Equal(t, db, decoded)
}

func TestWithdrawBodyRoundTrip(t *testing.T) {
	body, err := WithdrawBody("node1").Encode()
	assert.NoError(t, err)

	decoded, err := DecodePrefixDatabase(body)
	assert.NoError(t, err)
	assert.True(t, decoded.DeletePrefix)
	assert.Equal(t, "node1", decoded.ThisNodeName)
	assert.Empty(t, decoded.PrefixEntries)
}
