package audit

import (
	"bytes"
	"encoding/csv"
	"time"
)

// WriteCSV renders timeline rows as CSV with a header line.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"at", "scope_id", "tenant_id", "owner_tenant", "kind", "entity_id", "operation"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.At.UTC().Format(time.RFC3339), r.ScopeID, r.TenantID, r.OwnerTenant, r.Kind, r.EntityID, r.Operation}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
