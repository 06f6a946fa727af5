// Package dal implements tenant-scoped data access. Every query is built from a
// *tenancy.Scope and always filters on the scope's tenant id.
package dal

// Kind names an entity type. Kinds key cache classification, filters and events.
type Kind string

const (
	KindProduct        Kind = "product"
	KindCategory       Kind = "category"
	KindOrder          Kind = "order"
	KindInventoryTx    Kind = "inventory_tx"
	KindStockLevel     Kind = "stock_level"
	KindTenantSettings Kind = "tenant_settings"
)
