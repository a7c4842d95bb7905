package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
)

func newCatalogCommand(_ *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate and print the offer catalog",
		Long: `Loads the catalog the way the service does (FUNNEL_CATALOG_PATH and
FUNNEL_CATALOG_CURRENCY, or the built-in catalog) and prints it as YAML.
Use --file to check a catalog file before deploying it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				c   *catalog.Catalog
				err error
			)
			if file != "" {
				c, err = catalog.Load(catalog.Settings{Path: file})
			} else {
				c, err = catalog.FromEnv()
			}
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.Describe()); err != nil {
				return fmt.Errorf("encode catalog: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file to validate instead of the environment")
	return cmd
}
