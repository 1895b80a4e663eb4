// Package tenancy decides which security context an incoming request runs
// under.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

type Tenant struct {
	ID     string `yaml:"id"`
	Domain string `yaml:"domain"`
	Name   string `yaml:"name"`
}

type Resolver interface {
	ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error)
}

type staticResolver struct {
	tenants map[string]Tenant
}

func NewStaticResolver(tenants map[string]Tenant) Resolver {
	m := make(map[string]Tenant, len(tenants))
	for k, v := range tenants {
		m[normalizeHostname(k)] = v
	}
	return &staticResolver{tenants: m}
}

func (r *staticResolver) ResolveTenant(_ context.Context, hostname string) (Tenant, bool, error) {
	hostname = normalizeHostname(hostname)
	if hostname == "" {
		return Tenant{}, false, nil
	}
	t, ok := r.tenants[hostname]
	return t, ok, nil
}

type tenantsFile struct {
	Version int      `yaml:"version"`
	Tenants []Tenant `yaml:"tenants"`
}

// LoadTenantsFile reads a version 1 tenants file keyed by domain.
func LoadTenantsFile(path string) (map[string]Tenant, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf tenantsFile
	if err := yaml.Unmarshal(b, &tf); err != nil {
		return nil, err
	}
	if tf.Version != 1 {
		return nil, errors.New("tenants: unsupported version")
	}
	if len(tf.Tenants) == 0 {
		return nil, errors.New("tenants: empty")
	}

	m := make(map[string]Tenant, len(tf.Tenants))
	for _, t := range tf.Tenants {
		t.ID = strings.TrimSpace(t.ID)
		t.Domain = normalizeHostname(t.Domain)
		if t.Domain == "" || t.ID == "" {
			return nil, errors.New("tenants: invalid tenant")
		}
		if _, dup := m[t.Domain]; dup {
			return nil, fmt.Errorf("tenants: duplicate domain %q", t.Domain)
		}
		m[t.Domain] = t
	}
	return m, nil
}

type QueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type dbResolver struct {
	q QueryRower
}

// NewDBResolver resolves hostnames against iam.tenant_domains. The lookup
// runs before any security context exists, so q is normally the raw pool.
func NewDBResolver(q QueryRower) Resolver {
	return &dbResolver{q: q}
}

func (r *dbResolver) ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error) {
	hostname = normalizeHostname(hostname)
	if hostname == "" {
		return Tenant{}, false, nil
	}

	var tenantID string
	var tenantName string

	err := r.q.QueryRow(ctx, `
SELECT t.id::text, t.name
FROM iam.tenant_domains d
JOIN iam.tenants t ON t.id = d.tenant_id
WHERE d.hostname = $1
  AND t.is_active = true
LIMIT 1
`, hostname).Scan(&tenantID, &tenantName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return Tenant{ID: tenantID, Domain: hostname, Name: tenantName}, true, nil
}

type cacheEntry struct {
	tenant Tenant
	ok     bool
}

type cachedResolver struct {
	next  Resolver
	cache *expirable.LRU[string, cacheEntry]
}

// NewCachedResolver remembers lookups, misses included, for ttl. Errors are
// not cached. A non-positive size disables caching.
func NewCachedResolver(next Resolver, size int, ttl time.Duration) Resolver {
	if size <= 0 {
		return next
	}
	return &cachedResolver{
		next:  next,
		cache: expirable.NewLRU[string, cacheEntry](size, nil, ttl),
	}
}

func (r *cachedResolver) ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error) {
	hostname = normalizeHostname(hostname)
	if e, ok := r.cache.Get(hostname); ok {
		return e.tenant, e.ok, nil
	}
	t, ok, err := r.next.ResolveTenant(ctx, hostname)
	if err != nil {
		return Tenant{}, false, err
	}
	r.cache.Add(hostname, cacheEntry{tenant: t, ok: ok})
	return t, ok, nil
}
