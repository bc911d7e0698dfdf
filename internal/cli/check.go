package cli

import (
	"github.com/spf13/cobra"

	"dropwatch/internal/app"
)

var (
	checkOpts   app.CheckOptions
	searchLimit int
	searchJSON  bool
)

var checkCmd = &cobra.Command{
	Use:   "check <retailer>",
	Short: "Check one product's availability at a retailer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := checkOpts
		opts.Retailer = args[0]
		return getApp().Check(cmd.Context(), opts)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <retailer> <query>",
	Short: "Search a retailer's catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Search(cmd.Context(), args[0], args[1], searchLimit, searchJSON)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOpts.ProductID, "product", "", "Catalog product id")
	checkCmd.Flags().StringVar(&checkOpts.UPC, "upc", "", "UPC to look up")
	checkCmd.Flags().StringVar(&checkOpts.SKU, "sku", "", "Retailer SKU to look up")
	checkCmd.Flags().StringVar(&checkOpts.Query, "query", "", "Free-text product name")
	checkCmd.Flags().StringVar(&checkOpts.ZIP, "zip", "", "ZIP code for in-store availability")
	checkCmd.Flags().IntVar(&checkOpts.Radius, "radius", 0, "Store search radius in miles")
	checkCmd.Flags().BoolVar(&checkOpts.JSON, "json", false, "Print the record as JSON")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results to print")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print results as JSON")
}
