// Package query serves list and detail reads from the local cache. It never
// touches the network: an empty table is reported as cache-cold instead of
// being fetched.
package query

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// Page bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Search is a case-insensitive substring match over Fields, or over every
// scalar field of the payload when Fields is empty.
type Search struct {
	Fields []string `json:"fields,omitempty"`
	Term   string   `json:"term"`
}

// Range bounds a field inclusively. A nil bound is open.
type Range struct {
	Field string `json:"field"`
	Min   any    `json:"min,omitempty"`
	Max   any    `json:"max,omitempty"`
}

// FilterSpec selects and orders records by payload fields. Values compare
// numerically when both sides are numbers and as strings otherwise.
type FilterSpec struct {
	Equals map[string]any   `json:"equals,omitempty"`
	Search *Search          `json:"search,omitempty"`
	Ranges []Range          `json:"ranges,omitempty"`
	In     map[string][]any `json:"in,omitempty"`
	SortBy string           `json:"sort_by,omitempty"`
	Desc   bool             `json:"desc,omitempty"`
}

// IsZero reports whether the filter selects every record in key order.
func (f FilterSpec) IsZero() bool {
	return len(f.Equals) == 0 && (f.Search == nil || f.Search.Term == "") &&
		len(f.Ranges) == 0 && len(f.In) == 0 && f.SortBy == ""
}

// Page is an offset window. A zero Limit selects DefaultLimit.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (p Page) normalize() (Page, error) {
	if p.Offset < 0 || p.Limit < 0 {
		return p, fmt.Errorf("%w: negative offset or limit", types.ErrInvalidFilter)
	}
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	p.Limit = min(p.Limit, MaxLimit)
	return p, nil
}

// Result is one page of a query. TotalCount counts every match, not just
// the page. CacheCold is set when the table holds no live rows yet.
type Result struct {
	Records    []types.CacheRecord `json:"records"`
	TotalCount int                 `json:"total_count"`
	CacheCold  bool                `json:"cache_cold"`
}

// Bridge answers queries from a CacheStore.
type Bridge struct {
	store  types.CacheStore
	logger *zap.Logger
}

// New returns a bridge over store.
func New(store types.CacheStore, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, logger: logger}
}

// Query returns the page of records in table matching filter.
func (b *Bridge) Query(ctx context.Context, table string, filter FilterSpec, page Page) (Result, error) {
	page, err := page.normalize()
	if err != nil {
		return Result{}, err
	}
	total, err := b.store.Count(ctx, table)
	if err != nil {
		return Result{}, err
	}
	if total == 0 {
		return Result{Records: []types.CacheRecord{}, CacheCold: true}, nil
	}

	if filter.IsZero() {
		recs, err := b.store.Scan(ctx, table, nil, page.Limit, page.Offset)
		if err != nil {
			return Result{}, err
		}
		total = settleTotal(total, page, len(recs))
		if total == 0 {
			return Result{Records: []types.CacheRecord{}, CacheCold: true}, nil
		}
		return Result{Records: nonNil(recs), TotalCount: total}, nil
	}

	match, err := compile(filter)
	if err != nil {
		return Result{}, err
	}
	var rows []row
	_, err = b.store.Scan(ctx, table, func(r types.CacheRecord) bool {
		fields, ok := decode(r.Payload)
		if !ok {
			b.logger.Debug("skipping undecodable payload", zap.String("table", table), zap.String("key", r.Key))
			return false
		}
		if match(fields) {
			rows = append(rows, row{rec: r, fields: fields})
		}
		return false
	}, 0, 0)
	if err != nil {
		return Result{}, err
	}

	if filter.SortBy != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			c := compare(rows[i].fields[filter.SortBy], rows[j].fields[filter.SortBy])
			if c == 0 {
				c = strings.Compare(rows[i].rec.Key, rows[j].rec.Key)
			}
			if filter.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	res := Result{Records: []types.CacheRecord{}, TotalCount: len(rows)}
	if page.Offset < len(rows) {
		end := min(page.Offset+page.Limit, len(rows))
		for _, r := range rows[page.Offset:end] {
			res.Records = append(res.Records, r.rec)
		}
	}
	return res, nil
}

// settleTotal reconciles a count with the page scanned after it, since a
// write may land between the two reads. A short page ends the table, so its
// end is the exact total.
func settleTotal(counted int, page Page, n int) int {
	switch {
	case n == page.Limit:
		return max(counted, page.Offset+n)
	case n > 0 || page.Offset == 0:
		return page.Offset + n
	}
	return min(counted, page.Offset)
}

// Get returns the live record for key.
func (b *Bridge) Get(ctx context.Context, table, key string) (types.CacheRecord, error) {
	return b.store.Get(ctx, table, key)
}

type row struct {
	rec    types.CacheRecord
	fields map[string]any
}

func nonNil(recs []types.CacheRecord) []types.CacheRecord {
	if recs == nil {
		return []types.CacheRecord{}
	}
	return recs
}

func decode(payload json.RawMessage) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// compile turns filter into a matcher over decoded payload fields.
func compile(filter FilterSpec) (func(map[string]any) bool, error) {
	for _, r := range filter.Ranges {
		if r.Field == "" {
			return nil, fmt.Errorf("%w: range without field", types.ErrInvalidFilter)
		}
	}
	if s := filter.Search; s != nil {
		for _, f := range s.Fields {
			if f == "" {
				return nil, fmt.Errorf("%w: empty search field", types.ErrInvalidFilter)
			}
		}
	}
	var term string
	if filter.Search != nil {
		term = strings.ToLower(filter.Search.Term)
	}

	return func(fields map[string]any) bool {
		for field, want := range filter.Equals {
			got, ok := fields[field]
			if !ok || compare(got, want) != 0 {
				return false
			}
		}
		for field, set := range filter.In {
			got, ok := fields[field]
			if !ok || !contains(set, got) {
				return false
			}
		}
		for _, r := range filter.Ranges {
			got, ok := fields[r.Field]
			if !ok || got == nil {
				return false
			}
			if r.Min != nil && compare(got, r.Min) < 0 {
				return false
			}
			if r.Max != nil && compare(got, r.Max) > 0 {
				return false
			}
		}
		if term != "" && !search(fields, filter.Search.Fields, term) {
			return false
		}
		return true
	}, nil
}

func contains(set []any, v any) bool {
	for _, s := range set {
		if compare(v, s) == 0 {
			return true
		}
	}
	return false
}

func search(fields map[string]any, names []string, term string) bool {
	if len(names) == 0 {
		for _, v := range fields {
			if s, ok := scalar(v); ok && strings.Contains(strings.ToLower(s), term) {
				return true
			}
		}
		return false
	}
	for _, name := range names {
		if s, ok := scalar(fields[name]); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

// scalar renders strings, numbers and booleans as text.
func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Sort ranks. Values compare within a rank only, so a column mixing numbers
// and text still sorts in one total order.
const (
	rankNull = iota
	rankNumber
	rankText
)

func rank(v any) int {
	if v == nil {
		return rankNull
	}
	if _, ok := number(v); ok {
		return rankNumber
	}
	return rankText
}

// compare orders a before b. Nulls and missing values sort first, then
// numbers (numeric strings included) by value, then everything else as text.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		x, _ := number(a)
		y, _ := number(b)
		return cmp.Compare(x, y)
	}
	sa, _ := scalar(a)
	sb, _ := scalar(b)
	return strings.Compare(sa, sb)
}
