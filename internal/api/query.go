package api

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tillpoint/tillpoint/internal/dal"
)

var reservedParams = map[string]bool{"limit": true, "offset": true, "sort": true, "format": true}

// parseQuery reads `field[.op]=value` filters plus limit, offset and sort.
// A leading '-' on sort means descending; the in operator takes a comma list.
func parseQuery(values url.Values) (dal.Query, error) {
	var q dal.Query
	var err error
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return dal.Query{}, fmt.Errorf("%w: limit", dal.ErrInvalidFilter)
		}
	}
	if v := values.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil {
			return dal.Query{}, fmt.Errorf("%w: offset", dal.ErrInvalidFilter)
		}
	}
	if v := values.Get("sort"); v != "" {
		q.Sort = dal.Sort{Field: strings.TrimPrefix(v, "-"), Desc: strings.HasPrefix(v, "-")}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if !reservedParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		field, op := k, dal.OpEq
		if i := strings.LastIndexByte(k, '.'); i > 0 {
			field, op = k[:i], dal.Op(k[i+1:])
		}
		for _, v := range values[k] {
			var value any = v
			if op == dal.OpIn {
				value = strings.Split(v, ",")
			}
			q = q.Where(field, op, value)
		}
	}
	return q, nil
}
