package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/pkg/tradegate"
)

const version = "0.1.0"

func main() {
	flag.Usage = usage

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "version":
		fmt.Printf("tradegate-cli %s\n", version)

	case "status":
		err = runStatus(args)

	case "preview":
		err = runPreview(args)

	case "place":
		err = runPlace(args)

	case "cancel":
		err = runCancel(args)

	case "order":
		err = runOrder(args)

	case "orders":
		err = runOrders(args)

	case "events":
		err = runEvents(args)

	case "metrics":
		err = runMetrics(args)

	case "halt":
		err = runOrdersEnabled(args, false)

	case "resume":
		err = runOrdersEnabled(args, true)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tradegate-cli: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradegate-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status     Show gateway status\n")
	fmt.Fprintf(os.Stderr, "  preview    Estimate an order without placing it\n")
	fmt.Fprintf(os.Stderr, "  place      Place an order\n")
	fmt.Fprintf(os.Stderr, "  cancel     Cancel an order by ID\n")
	fmt.Fprintf(os.Stderr, "  order      Show one order by ID\n")
	fmt.Fprintf(os.Stderr, "  orders     List order history\n")
	fmt.Fprintf(os.Stderr, "  events     Query the audit log\n")
	fmt.Fprintf(os.Stderr, "  metrics    Dump the metrics snapshot\n")
	fmt.Fprintf(os.Stderr, "  halt       Disable order submission\n")
	fmt.Fprintf(os.Stderr, "  resume     Re-enable order submission\n")
	fmt.Fprintf(os.Stderr, "\nThe gateway URL comes from -server or TRADEGATE_URL.\n")
}

// serverFlag registers the shared -server flag on fs. TRADEGATE_URL
// overrides the built-in default.
func serverFlag(fs *flag.FlagSet) *string {
	def := "http://localhost:8090"
	if v := os.Getenv("TRADEGATE_URL"); v != "" {
		def = v
	}
	return fs.String("server", def, "gateway base URL")
}

func newClient(server, account string) *tradegate.Client {
	var opts []tradegate.Option
	if account != "" {
		opts = append(opts, tradegate.WithAccount(account))
	}
	return tradegate.New(server, opts...)
}

// specFlags registers order-building flags on fs and returns a builder
// that assembles the spec after fs.Parse.
func specFlags(fs *flag.FlagSet) func() (tradegate.OrderSpec, error) {
	symbol := fs.String("symbol", "", "instrument symbol (required)")
	side := fs.String("side", tradegate.SideBuy, "buy or sell")
	qty := fs.String("qty", "", "quantity in shares (required)")
	typ := fs.String("type", tradegate.TypeMarket, "market or limit")
	limit := fs.String("limit", "", "limit price (limit orders only)")
	tif := fs.String("tif", "", "time in force: day, gtc or ioc")

	return func() (tradegate.OrderSpec, error) {
		var spec tradegate.OrderSpec
		if *symbol == "" {
			return spec, fmt.Errorf("-symbol is required")
		}
		if *qty == "" {
			return spec, fmt.Errorf("-qty is required")
		}
		quantity, err := decimal.NewFromString(*qty)
		if err != nil {
			return spec, fmt.Errorf("parsing -qty: %w", err)
		}
		spec = tradegate.OrderSpec{
			Instrument:  tradegate.Instrument{Symbol: *symbol},
			Side:        *side,
			Quantity:    quantity,
			Type:        *typ,
			TimeInForce: *tif,
		}
		if *limit != "" {
			price, err := decimal.NewFromString(*limit)
			if err != nil {
				return spec, fmt.Errorf("parsing -limit: %w", err)
			}
			spec.LimitPrice = price
		}
		return spec, nil
	}
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	c := newClient(*server, "")
	st, err := c.GatewayStatus(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("backend:         %s\n", st.Backend)
	fmt.Printf("account:         %s\n", st.Account)
	fmt.Printf("trading enabled: %t\n", st.TradingEnabled)
	fmt.Printf("orders enabled:  %t\n", st.OrdersEnabled)
	fmt.Printf("open orders:     %d\n", st.OpenOrders)
	fmt.Printf("total orders:    %d\n", st.TotalOrders)
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	server := serverFlag(fs)
	account := fs.String("account", "", "account override")
	buildSpec := specFlags(fs)
	fs.Parse(args)

	spec, err := buildSpec()
	if err != nil {
		return err
	}

	c := newClient(*server, *account)
	pv, err := c.Preview(context.Background(), spec)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s %s %s\n", spec.Side, spec.Quantity, spec.Instrument.Symbol, spec.Type)
	fmt.Printf("  quote:      bid %s / ask %s (last %s)\n", pv.Quote.Bid, pv.Quote.Ask, pv.Quote.Last)
	fmt.Printf("  est price:  %s\n", pv.EstimatedPrice)
	fmt.Printf("  est value:  %s\n", pv.EstimatedValue)
	fmt.Printf("  commission: %s\n", pv.EstimatedCommission)
	for _, w := range pv.Warnings {
		fmt.Printf("  warning:    %s\n", w)
	}
	return nil
}

func runPlace(args []string) error {
	fs := flag.NewFlagSet("place", flag.ExitOnError)
	server := serverFlag(fs)
	account := fs.String("account", "", "account override")
	key := fs.String("key", "", "idempotency key")
	buildSpec := specFlags(fs)
	fs.Parse(args)

	spec, err := buildSpec()
	if err != nil {
		return err
	}
	spec.IdempotencyKey = *key

	c := newClient(*server, *account)
	o, err := c.Place(context.Background(), spec)
	if err != nil {
		return err
	}
	printOrder(o)
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := serverFlag(fs)
	account := fs.String("account", "", "account override")
	fs.Parse(args)

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: tradegate-cli cancel [options] <order-id>")
	}

	c := newClient(*server, *account)
	o, err := c.Cancel(context.Background(), id)
	if err != nil {
		return err
	}
	printOrder(o)
	return nil
}

func runOrder(args []string) error {
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: tradegate-cli order [options] <order-id>")
	}

	c := newClient(*server, "")
	o, err := c.Order(context.Background(), id)
	if err != nil {
		return err
	}
	printOrder(o)
	return nil
}

func runOrders(args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	server := serverFlag(fs)
	account := fs.String("account", "", "filter by account")
	symbol := fs.String("symbol", "", "filter by symbol")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "maximum rows")
	fs.Parse(args)

	c := newClient(*server, "")
	records, err := c.Orders(context.Background(), tradegate.OrdersFilter{
		Account: *account,
		Symbol:  *symbol,
		Status:  *status,
		Limit:   *limit,
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("no orders")
		return nil
	}
	fmt.Printf("%-36s %-8s %-4s %10s %-7s %10s %-16s %s\n",
		"ORDER", "SYMBOL", "SIDE", "QTY", "TYPE", "FILLED", "STATUS", "UPDATED")
	for _, r := range records {
		fmt.Printf("%-36s %-8s %-4s %10s %-7s %10s %-16s %s\n",
			r.OrderID, r.Symbol, r.Side, r.Quantity, r.Type,
			r.FilledQuantity, r.Status,
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	server := serverFlag(fs)
	account := fs.String("account", "", "filter by account")
	correlation := fs.String("correlation", "", "filter by correlation ID")
	orderID := fs.String("order", "", "filter by order ID")
	types := fs.String("type", "", "comma-separated event types")
	limit := fs.Int("limit", 50, "maximum rows")
	payload := fs.Bool("payload", false, "print event payloads")
	fs.Parse(args)

	var f tradegate.EventsFilter
	f.Account = *account
	f.CorrelationID = *correlation
	f.OrderID = *orderID
	f.Limit = *limit
	if *types != "" {
		f.Types = strings.Split(*types, ",")
	}

	c := newClient(*server, "")
	events, err := c.Events(context.Background(), f)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	fmt.Printf("%6s %-19s %-16s %-36s %s\n", "ID", "TIME", "TYPE", "ORDER", "CORRELATION")
	for _, e := range events {
		fmt.Printf("%6d %-19s %-16s %-36s %s\n",
			e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type, e.OrderID, e.CorrelationID)
		if *payload && len(e.Payload) > 0 {
			fmt.Printf("       %s\n", string(e.Payload))
		}
	}
	return nil
}

func runMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	c := newClient(*server, "")
	m, err := c.Metrics(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("counters:")
	for _, k := range sortedKeys(m.Counters) {
		fmt.Printf("  %-40s %12d\n", k, m.Counters[k])
	}
	fmt.Println("gauges:")
	for _, k := range sortedKeys(m.Gauges) {
		fmt.Printf("  %-40s %12g\n", k, m.Gauges[k])
	}
	fmt.Println("histograms:")
	fmt.Printf("  %-40s %8s %9s %9s %9s %9s\n", "", "count", "p50", "p95", "p99", "max")
	for _, k := range sortedKeys(m.Histograms) {
		h := m.Histograms[k]
		fmt.Printf("  %-40s %8d %9.4f %9.4f %9.4f %9.4f\n", k, h.Count, h.P50, h.P95, h.P99, h.Max)
	}
	return nil
}

func runOrdersEnabled(args []string, enabled bool) error {
	name := "halt"
	if enabled {
		name = "resume"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	c := newClient(*server, "")
	st, err := c.SetOrdersEnabled(context.Background(), enabled)
	if err != nil {
		return err
	}
	fmt.Printf("orders enabled: %t\n", st.OrdersEnabled)
	return nil
}

func printOrder(o *tradegate.Order) {
	fmt.Printf("order %s\n", o.ID)
	fmt.Printf("  account:   %s\n", o.Account)
	fmt.Printf("  spec:      %s %s %s %s", o.Spec.Side, o.Spec.Quantity, o.Spec.Instrument.Symbol, o.Spec.Type)
	if !o.Spec.LimitPrice.IsZero() {
		fmt.Printf(" @ %s", o.Spec.LimitPrice)
	}
	fmt.Println()
	fmt.Printf("  status:    %s\n", o.Status)
	fmt.Printf("  filled:    %s", o.FilledQuantity)
	if !o.AvgFillPrice.IsZero() {
		fmt.Printf(" @ %s", o.AvgFillPrice)
	}
	fmt.Println()
	if o.BrokerOrderID != "" {
		fmt.Printf("  broker id: %s\n", o.BrokerOrderID)
	}
	fmt.Printf("  updated:   %s\n", o.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
