package discovery

import (
	"net"
	"os"
	"strings"
)

// ServiceLabel replaces the pod's own leaf label to form the SRV name.
const ServiceLabel = "_couchdb._tcp"

// ServiceRecordFromFQDN drops the unique first label of fqdn (the pod name
// in a StatefulSet) and prefixes ServiceLabel, e.g.
// "db-0.db.ns.svc.cluster.local" -> "_couchdb._tcp.db.ns.svc.cluster.local".
func ServiceRecordFromFQDN(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	_, rest, ok := strings.Cut(fqdn, ".")
	if !ok || rest == "" {
		return ServiceLabel
	}
	return ServiceLabel + "." + rest
}

// ServiceRecord returns override when set, otherwise derives the record from
// this host's fully qualified name.
func ServiceRecord(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	fqdn, err := FQDN()
	if err != nil {
		return "", err
	}
	return ServiceRecordFromFQDN(fqdn), nil
}

// FQDN resolves the canonical name of this host, falling back to the plain
// hostname when the resolver has nothing better.
func FQDN() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	if strings.Contains(host, ".") {
		return host, nil
	}
	if addrs, err := net.LookupHost(host); err == nil {
		for _, addr := range addrs {
			names, err := net.LookupAddr(addr)
			if err != nil {
				continue
			}
			for _, name := range names {
				name = strings.TrimSuffix(name, ".")
				if strings.HasPrefix(name, host+".") {
					return name, nil
				}
			}
		}
	}
	return host, nil
}
