package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// Reserved query parameters. Every other parameter is an equality filter on
// the field of the same name; in.<field>, min.<field> and max.<field> build
// set and range filters.
const (
	ParamSearch       = "q"
	ParamSearchFields = "fields"
	ParamSort         = "sort"
	ParamOrder        = "order"
	ParamOffset       = "offset"
	ParamLimit        = "limit"
)

// ParseFilter builds a filter and page from URL query values. sort=-field
// is shorthand for sort=field&order=desc.
func ParseFilter(values url.Values) (FilterSpec, Page, error) {
	var (
		filter FilterSpec
		page   Page
		err    error
	)
	ranges := make(map[string]*Range)

	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		v := vals[len(vals)-1]
		switch {
		case name == ParamSearch:
			if filter.Search == nil {
				filter.Search = &Search{}
			}
			filter.Search.Term = v
		case name == ParamSearchFields:
			if filter.Search == nil {
				filter.Search = &Search{}
			}
			filter.Search.Fields = splitList(v)
		case name == ParamSort:
			filter.SortBy = v
			if strings.HasPrefix(v, "-") {
				filter.SortBy = v[1:]
				filter.Desc = true
			}
		case name == ParamOrder:
			switch strings.ToLower(v) {
			case "asc":
			case "desc":
				filter.Desc = true
			default:
				return FilterSpec{}, Page{}, fmt.Errorf("%w: order must be asc or desc", types.ErrInvalidFilter)
			}
		case name == ParamOffset:
			if page.Offset, err = strconv.Atoi(v); err != nil {
				return FilterSpec{}, Page{}, fmt.Errorf("%w: offset %q", types.ErrInvalidFilter, v)
			}
		case name == ParamLimit:
			if page.Limit, err = strconv.Atoi(v); err != nil {
				return FilterSpec{}, Page{}, fmt.Errorf("%w: limit %q", types.ErrInvalidFilter, v)
			}
		case strings.HasPrefix(name, "in."):
			if filter.In == nil {
				filter.In = make(map[string][]any)
			}
			for _, item := range splitList(v) {
				filter.In[name[3:]] = append(filter.In[name[3:]], item)
			}
		case strings.HasPrefix(name, "min."), strings.HasPrefix(name, "max."):
			field := name[4:]
			r, ok := ranges[field]
			if !ok {
				r = &Range{Field: field}
				ranges[field] = r
			}
			if name[:3] == "min" {
				r.Min = v
			} else {
				r.Max = v
			}
		default:
			if filter.Equals == nil {
				filter.Equals = make(map[string]any)
			}
			filter.Equals[name] = v
		}
	}
	for _, r := range ranges {
		if r.Field == "" {
			return FilterSpec{}, Page{}, fmt.Errorf("%w: range without field", types.ErrInvalidFilter)
		}
		filter.Ranges = append(filter.Ranges, *r)
	}
	sort.Slice(filter.Ranges, func(i, j int) bool { return filter.Ranges[i].Field < filter.Ranges[j].Field })
	if _, err := page.normalize(); err != nil {
		return FilterSpec{}, Page{}, err
	}
	return filter, page, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
