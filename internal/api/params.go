package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/spyder-atlas/internal/query"
	"github.com/gustycube/spyder-atlas/internal/types"
)

const maxBody = 8 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, errBadRequest)
	}
	return nil
}

func intParam(v url.Values, key string) (int, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, errBadRequest)
	}
	return n, nil
}

func pageParams(v url.Values) (query.Page, error) {
	off, err := intParam(v, "offset")
	if err != nil {
		return query.Page{}, err
	}
	lim, err := intParam(v, "limit")
	if err != nil {
		return query.Page{}, err
	}
	return query.Page{Offset: off, Limit: lim}, nil
}

func csvParam(v url.Values, key string) []string {
	var out []string
	for _, raw := range v[key] {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// findingQuery reads the list parameters: severity, target, status, source,
// expr, sort, order, offset, limit.
func findingQuery(v url.Values) (query.Filter, query.Sort, query.Page, error) {
	sevs, err := query.ParseSeverities(strings.Join(v["severity"], ","))
	if err != nil {
		return query.Filter{}, query.Sort{}, query.Page{}, err
	}
	status, err := query.ParseStatusFilter(v.Get("status"))
	if err != nil {
		return query.Filter{}, query.Sort{}, query.Page{}, err
	}
	field, err := query.ParseSortField(v.Get("sort"))
	if err != nil {
		return query.Filter{}, query.Sort{}, query.Page{}, err
	}
	dir, err := query.ParseDirection(v.Get("order"), query.Desc)
	if err != nil {
		return query.Filter{}, query.Sort{}, query.Page{}, err
	}
	page, err := pageParams(v)
	if err != nil {
		return query.Filter{}, query.Sort{}, query.Page{}, err
	}
	filter := query.Filter{
		Severities: sevs,
		Target:     v.Get("target"),
		Scope:      v.Get("scope"),
		Status:     status,
		Sources:    csvParam(v, "source"),
		Expr:       v.Get("expr"),
	}
	return filter, query.Sort{Field: field, Direction: dir}, page, nil
}

func idParam[T ~uint64](r *http.Request) (T, error) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("id %q: %w", r.PathValue("id"), types.ErrNotFound)
	}
	return T(n), nil
}

func timeParam(v url.Values, key string) (time.Time, error) {
	s := strings.TrimSpace(v.Get(key))
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", key, errBadRequest)
	}
	return t, nil
}
