package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sentinel-grab/pkg/bands"
)

var bandsCmd = &cobra.Command{
	Use:   "bands <product...>",
	Short: "Print the bands a set of products needs",
	Long: `Print the Sentinel-2 bands the worker downloads for the given products,
including the SCL scene classification layer. With no arguments, lists every
known product.`,
	Example: `  sentinelgrab bands RGB NDVI`,
	RunE:    runBands,
}

func init() {
	rootCmd.AddCommand(bandsCmd)
}

func runBands(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listProducts()
	}

	for _, code := range args {
		if bands.FamilyOf(code) == bands.FamilyUnknown {
			fmt.Fprintf(os.Stderr, "warning: unknown product %s contributes no bands\n", code)
		}
	}
	required := bands.ComputeRequiredWithSCL(args).Sorted()

	if IsJSONOutput() {
		return printJSON(map[string]interface{}{"products": args, "bands": required})
	}
	fmt.Println(strings.Join(required, " "))
	return nil
}

func listProducts() error {
	known := bands.Known()
	if IsJSONOutput() {
		out := make(map[string][]string, len(known))
		for _, code := range known {
			out[code] = bands.ForProduct(code)
		}
		return printJSON(out)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Product", "Family", "Bands")
	for _, code := range known {
		table.Append(code, string(bands.FamilyOf(code)), strings.Join(bands.ForProduct(code), ","))
	}
	table.Render()
	return nil
}
