package main

import (
	"fmt"
	"io"

	"bookrelay/internal/aggregation"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/types"

	"github.com/shopspring/decimal"
)

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func printBook(w io.Writer, ob *orderbook.OrderBook, depth int) {
	book := ob.Snapshot()
	stats := ob.GetStats()

	fmt.Fprintf(w, "%s%s%s\n", colorBold, book.AssetID, colorReset)
	fmt.Fprintf(w, "  Mid: %s%8s%s │ Spread: %s%8s%s | BB: %s%8s%s │ BA: %s%8s%s\n",
		colorYellow, formatNull(book.Mid), colorReset,
		getSpreadColor(book.Spread), formatNull(book.Spread), colorReset,
		colorGreen, formatNull(book.BestBid), colorReset,
		colorRed, formatNull(book.BestAsk), colorReset)

	fmt.Fprintf(w, "  TOTAL SIZE: Bids: %s%12s%s │ Asks: %s%12s%s\n",
		colorGreen, stats.TotalBidsSize.StringFixed(2), colorReset,
		colorRed, stats.TotalAsksSize.StringFixed(2), colorReset)

	asks := aggregation.Truncate(ob.Levels(types.Sell), depth)
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "  %s%8s%s  %12s\n", colorRed, asks[i].Price.String(), colorReset, asks[i].Size.StringFixed(2))
	}
	fmt.Fprintln(w, "  ----------------------")
	for _, bid := range aggregation.Truncate(ob.Levels(types.Buy), depth) {
		fmt.Fprintf(w, "  %s%8s%s  %12s\n", colorGreen, bid.Price.String(), colorReset, bid.Size.StringFixed(2))
	}
}

func formatNull(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

// getSpreadColor flags a crossed or locked book
func getSpreadColor(spread decimal.NullDecimal) string {
	if !spread.Valid {
		return colorYellow
	}
	if spread.Decimal.GreaterThan(decimal.Zero) {
		return colorMagenta
	}
	return colorRed
}
