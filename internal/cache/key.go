package cache

import (
	"strings"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// Key addresses one cached value inside a tenant partition: either an entity
// by id or a listing by query fingerprint.
type Key struct {
	Kind  dal.Kind
	ID    string
	Query string
}

// EntityKey addresses a single entity.
func EntityKey(kind dal.Kind, id string) Key { return Key{Kind: kind, ID: id} }

// QueryKey addresses a listing by its fingerprint.
func QueryKey(kind dal.Kind, fingerprint string) Key { return Key{Kind: kind, Query: fingerprint} }

func (k Key) isQuery() bool { return k.Query != "" }

func (k Key) local() string {
	if k.isQuery() {
		return string(k.Kind) + ":q:" + k.Query
	}
	return string(k.Kind) + ":" + k.ID
}

type keyspace struct {
	prefix string
}

func (ks keyspace) join(parts ...string) string {
	return ks.prefix + ":" + strings.Join(parts, ":")
}

func (ks keyspace) epoch() string { return ks.join("epoch") }

func (ks keyspace) channel() string { return ks.join("invalidate") }

func (ks keyspace) tenantGen(tenant string) string { return ks.join("t", tenant, "gen") }

func (ks keyspace) value(tenant string, k Key) string { return ks.join("t", tenant, k.local()) }

// generation returns the counter guarding k: per entity, or per kind for listings.
func (ks keyspace) generation(tenant string, k Key) string {
	if k.isQuery() {
		return ks.join("t", tenant, string(k.Kind), "q", "gen")
	}
	return ks.join("t", tenant, string(k.Kind), k.ID, "gen")
}

func (ks keyspace) queryGen(tenant string, kind dal.Kind) string {
	return ks.join("t", tenant, string(kind), "q", "gen")
}

func (ks keyspace) entityGen(tenant string, kind dal.Kind, id string) string {
	return ks.join("t", tenant, string(kind), id, "gen")
}
