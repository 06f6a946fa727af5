package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/audit"
	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/orders"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shop"
	"github.com/tillpoint/tillpoint/internal/tenancy"
	"github.com/tillpoint/tillpoint/internal/testing/tenanttest"
)

const testAdminToken = "admin-secret"

type server struct {
	env    *tenanttest.Env
	router chi.Router
}

func newServer(t *testing.T) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := tenanttest.New(tenancy.Config{SuspendedReadOnly: true})
	layer := cache.NewLayer(client, cache.Config{}, nil, nil)
	env.Manager.RegisterEvictor(layer)

	notifier := events.NewNotifier(events.Config{}, nil, nil)
	notifier.Require(layer.HandleEvent)
	t.Cleanup(notifier.Close)

	auditService := audit.NewService(audit.NewMemoryRepository(), prometheus.NewRegistry(), nil)
	productStore := dal.NewMemoryStore(catalog.Products)
	txStore := dal.NewMemoryStore(inventory.Transactions)
	products := dal.NewRepository(catalog.Products, productStore, auditService, nil)
	ledger := dal.NewRepository(inventory.Transactions, txStore, auditService, nil)
	engine := inventory.NewEngine(inventory.NewMemoryStore(productStore, txStore), ledger, notifier, inventory.Config{}, nil)

	svc := shop.NewService(shop.Deps{
		Tenants:    env.Manager,
		Products:   products,
		Categories: dal.NewRepository(catalog.Categories, dal.NewMemoryStore(catalog.Categories), auditService, nil),
		Orders:     dal.NewRepository(orders.Orders, dal.NewMemoryStore(orders.Orders), auditService, nil),
		Stock:      engine,
		Cache:      layer,
		Events:     notifier,
	})

	router := chi.NewRouter()
	NewHandler(nil, svc, auditService, nil, Options{AdminToken: testAdminToken}).MountRoutes(router)
	return &server{env: env, router: router}
}

func (s *server) do(t *testing.T, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{}
	if tenantID != "" {
		headers[TenantHeader] = tenantID
	}
	return s.send(t, method, path, headers, body)
}

func (s *server) send(t *testing.T, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) setStatus(t *testing.T, tenantID, status string) *httptest.ResponseRecorder {
	t.Helper()
	return s.send(t, http.MethodPut, "/admin/tenants/"+tenantID+"/status",
		map[string]string{"Authorization": "Bearer " + testAdminToken},
		map[string]any{"status": status})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestRequestsWithoutValidTenantAreRejected(t *testing.T) {
	s := newServer(t)
	cases := []struct {
		name   string
		tenant string
	}{
		{name: "missing header"},
		{name: "malformed", tenant: "acme"},
		{name: "unknown", tenant: uuid.NewString()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v1/products", tc.tenant, nil)
			require.Equal(t, http.StatusForbidden, rec.Code)
			require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestProductLifecycle(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	rec := s.do(t, http.MethodPost, "/v1/products", tenant, map[string]any{
		"sku": "MUG-1", "name": "Mug", "price": "12.50", "initial_stock": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[catalog.Product](t, rec)
	require.EqualValues(t, 4, created.StockQuantity)

	rec = s.do(t, http.MethodPut, "/v1/products/"+created.ID, tenant, map[string]any{
		"sku": "MUG-1", "name": "Big mug", "price": "14",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/products/"+created.ID, tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[catalog.Product](t, rec)
	require.Equal(t, "Big mug", got.Name)
	require.EqualValues(t, 4, got.StockQuantity)

	rec = s.do(t, http.MethodPost, "/v1/products/"+created.ID+"/stock", tenant, map[string]any{"delta": -1, "reason": "broken"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/products?name.prefix=Big", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[dal.Page[catalog.Product]](t, rec)
	require.Len(t, page.Items, 1)
	require.EqualValues(t, 3, page.Items[0].StockQuantity)

	rec = s.do(t, http.MethodGet, "/v1/products/"+created.ID+"/stock/history", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Items []inventory.Transaction `json:"items"`
	}](t, rec)
	require.Len(t, history.Items, 2)

	rec = s.do(t, http.MethodDelete, "/v1/products/"+created.ID, tenant, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/products/"+created.ID, tenant, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadInputIsRejected(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "unknown filter field", method: http.MethodGet, path: "/v1/products?colour=red"},
		{name: "unknown body field", method: http.MethodPost, path: "/v1/products", body: map[string]any{"sku": "A", "name": "A", "price": "1", "colour": "red"}},
		{name: "missing name", method: http.MethodPost, path: "/v1/products", body: map[string]any{"sku": "A", "price": "1"}},
		{name: "empty order", method: http.MethodPost, path: "/v1/orders", body: map[string]any{"lines": []any{}}},
		{name: "zero delta", method: http.MethodPost, path: "/v1/products/" + uuid.NewString() + "/stock", body: map[string]any{"delta": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, tenant, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCrossTenantWriteIsForbiddenAndAudited(t *testing.T) {
	s := newServer(t)
	acme := s.env.AddTenant(t, "acme")
	globex := s.env.AddTenant(t, "globex")

	rec := s.do(t, http.MethodPost, "/v1/products", acme, map[string]any{"sku": "MUG-1", "name": "Mug", "price": "10"})
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[catalog.Product](t, rec)

	rec = s.do(t, http.MethodGet, "/v1/products/"+p.ID, globex, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/products/"+p.ID, globex, map[string]any{"sku": "MUG-1", "name": "Stolen", "price": "1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	problem := decode[httpx.ProblemDetail](t, rec)
	require.NotContains(t, problem.Detail, acme)

	rec = s.do(t, http.MethodGet, "/v1/products/"+p.ID, acme, nil)
	require.Equal(t, "Mug", decode[catalog.Product](t, rec).Name)

	rec = s.do(t, http.MethodGet, "/v1/security-events", globex, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[audit.Result](t, rec)
	require.Len(t, result.Rows, 1)
	require.Equal(t, globex, result.Rows[0].TenantID)

	rec = s.do(t, http.MethodGet, "/v1/security-events", acme, nil)
	require.Empty(t, decode[audit.Result](t, rec).Rows)

	rec = s.do(t, http.MethodGet, "/v1/security-events?format=csv", globex, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "at,scope_id,tenant_id"))
}

func TestOrderFlow(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	rec := s.do(t, http.MethodPost, "/v1/products", tenant, map[string]any{"sku": "MUG-1", "name": "Mug", "price": "10", "initial_stock": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[catalog.Product](t, rec)

	rec = s.do(t, http.MethodPost, "/v1/orders", tenant, map[string]any{
		"lines": []map[string]any{{"product_id": p.ID, "quantity": 3}},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/orders", tenant, map[string]any{
		"lines": []map[string]any{{"product_id": p.ID, "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[orders.Order](t, rec)
	require.Equal(t, orders.StatusPending, o.Status)

	rec = s.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/status", tenant, map[string]any{"status": "fulfilled"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/status", tenant, map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/products/"+p.ID+"/stock", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode[inventory.Level](t, rec).Quantity)
}

func TestSuspendedTenantIsReadOnly(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	rec := s.setStatus(t, tenant, "suspended")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/products", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/categories", tenant, map[string]any{"name": "Cups"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.setStatus(t, tenant, "cancelled")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.setStatus(t, tenant, "active")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/products", tenant, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	rec := s.do(t, http.MethodPut, "/v1/tenant/settings", tenant, map[string]string{shop.SettingCurrency: "EUR"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/tenant", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[tenancy.Tenant](t, rec)
	require.Equal(t, "EUR", got.Settings[shop.SettingCurrency])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")
	path := "/admin/tenants/" + tenant + "/status"
	body := map[string]any{"status": "cancelled"}

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "tenant header only", headers: map[string]string{TenantHeader: tenant}, want: http.StatusUnauthorized},
		{name: "wrong token", headers: map[string]string{"Authorization": "Bearer guess"}, want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.send(t, http.MethodPut, path, tc.headers, body)
			require.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	// The tenant is still active after the rejected attempts.
	rec := s.do(t, http.MethodGet, "/v1/tenant", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, tenancy.StatusActive, decode[tenancy.Tenant](t, rec).Status)
}

func TestAdminRoutesAbsentWithoutToken(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(nil, nil, nil, nil, Options{}).MountRoutes(router)
	req := httptest.NewRequest(http.MethodPut, "/admin/tenants/"+uuid.NewString()+"/status", strings.NewReader(`{"status":"cancelled"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	s := newServer(t)
	tenant := s.env.AddTenant(t, "acme")

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodGet, path: "/v1/products/abc"},
		{method: http.MethodDelete, path: "/v1/products/abc"},
		{method: http.MethodGet, path: "/v1/products/abc/stock"},
		{method: http.MethodGet, path: "/v1/products/abc/stock/history"},
		{method: http.MethodPost, path: "/v1/products/abc/stock", body: map[string]any{"delta": 1}},
		{method: http.MethodGet, path: "/v1/categories/abc"},
		{method: http.MethodGet, path: "/v1/orders/abc"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, tenant, tc.body)
			require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		})
	}
}
