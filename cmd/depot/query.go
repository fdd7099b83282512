package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/internal/query"
	"github.com/mesh-intelligence/depot/pkg/types"
)

var (
	flagQuerySearch string
	flagQueryFields string
	flagQuerySort   string
	flagQueryDesc   bool
	flagQueryLimit  int
	flagQueryOffset int
)

var queryCmd = &cobra.Command{
	Use:   "query <table> [field=value...]",
	Short: "Query cached rows of a table",
	Long: `Query filters the cached rows of a table without contacting the remote.

Each field=value argument is an equality filter. in.<field>=a,b matches any
of the listed values, and min.<field>= / max.<field>= bound a range.

Example:
  depot query shipments status=delivered
  depot query products min.unit_price=10 --sort unit_price --desc
  depot query stores --search acme --fields name,contact`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&flagQuerySearch, "search", "q", "", "case-insensitive substring search")
	queryCmd.Flags().StringVar(&flagQueryFields, "fields", "", "comma-separated fields to search (default: all)")
	queryCmd.Flags().StringVar(&flagQuerySort, "sort", "", "field to sort by (default: key)")
	queryCmd.Flags().BoolVar(&flagQueryDesc, "desc", false, "sort descending")
	queryCmd.Flags().IntVar(&flagQueryLimit, "limit", query.DefaultLimit, "maximum rows to return")
	queryCmd.Flags().IntVar(&flagQueryOffset, "offset", 0, "rows to skip")
}

// queryValues turns the positional filters and flags into the same query
// parameters the HTTP API accepts.
func queryValues(filters []string) (url.Values, error) {
	values := url.Values{}
	for _, f := range filters {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("filter %q: want field=value", f)
		}
		values.Add(k, v)
	}
	if flagQuerySearch != "" {
		values.Set(query.ParamSearch, flagQuerySearch)
	}
	if flagQueryFields != "" {
		values.Set(query.ParamSearchFields, flagQueryFields)
	}
	if flagQuerySort != "" {
		values.Set(query.ParamSort, flagQuerySort)
	}
	if flagQueryDesc {
		values.Set(query.ParamOrder, "desc")
	}
	values.Set(query.ParamLimit, strconv.Itoa(flagQueryLimit))
	values.Set(query.ParamOffset, strconv.Itoa(flagQueryOffset))
	return values, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	table := args[0]
	if err := checkTable(table); err != nil {
		return userErr(err)
	}
	values, err := queryValues(args[1:])
	if err != nil {
		return userErr(err)
	}
	filter, page, err := query.ParseFilter(values)
	if err != nil {
		return userErr(err)
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)

	res, err := query.New(backend, logger.Named("query")).Query(cmd.Context(), table, filter, page)
	if err != nil {
		if errors.Is(err, types.ErrInvalidFilter) {
			return userErr(err)
		}
		return sysErr(fmt.Errorf("query %s: %w", table, err))
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		return printJSON(out, res)
	}
	printRecords(out, res)
	return nil
}

func printRecords(w io.Writer, res query.Result) {
	if res.CacheCold {
		fmt.Fprintln(w, "cache is empty for this table; run depot sync first")
		return
	}
	for _, r := range res.Records {
		fmt.Fprintf(w, "%s\tv%d\t%s\n", r.Key, r.RemoteVersion, r.Payload)
	}
	fmt.Fprintf(w, "%d of %d rows\n", len(res.Records), res.TotalCount)
}
