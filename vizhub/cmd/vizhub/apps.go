package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/vizhub/vizhub/catalog"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

var appsJSON bool

func init() {
	rootCmd.AddCommand(appsCmd)
	appsCmd.Flags().BoolVar(&appsJSON, "json", false, "Print the descriptors as JSON")
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the trame apps found on the search path",
	Long: `List the trame apps found under <path>/trame/<app>/app.yml for every
path in the search path (default $JUPYTER_PATH).

Example:
  JUPYTER_PATH=/opt/jupyter vizhub apps --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := catalog.New(catalog.Config{Lenient: !cfg.StrictDiscovery, Logger: logger})
		apps, err := c.Discover(cfg.SearchPaths(os.Getenv)())
		if err != nil {
			return err
		}
		return printApps(cmd.OutOrStdout(), apps, appsJSON)
	},
}

func printApps(w io.Writer, apps []types.AppDescriptor, asJSON bool) error {
	if asJSON {
		if apps == nil {
			apps = []types.AppDescriptor{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(apps)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tCOMMAND\tMANIFEST")
	for _, app := range apps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", app.Name, app.DisplayName, app.Command, app.ManifestPath)
	}
	return tw.Flush()
}
