package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRecordFromFQDN(t *testing.T) {
	cases := []struct {
		fqdn string
		want string
	}{
		{"couchdb-0.couchdb.default.svc.cluster.local", "_couchdb._tcp.couchdb.default.svc.cluster.local"},
		{"couchdb-2.couchdb.ns.svc.cluster.local.", "_couchdb._tcp.couchdb.ns.svc.cluster.local"},
		{"host.example", "_couchdb._tcp.example"},
		{"standalone", "_couchdb._tcp"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ServiceRecordFromFQDN(c.fqdn), c.fqdn)
	}
}

func TestServiceRecordOverride(t *testing.T) {
	rec, err := ServiceRecord("_couchdb._tcp.custom.local")
	require.NoError(t, err)
	assert.Equal(t, "_couchdb._tcp.custom.local", rec)
}

func TestServiceRecordDerived(t *testing.T) {
	rec, err := ServiceRecord("")
	require.NoError(t, err)
	assert.Regexp(t, `^_couchdb\._tcp`, rec)
}
