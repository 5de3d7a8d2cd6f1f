package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/devhub/devhub/packages"
)

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "Inspect the package metadata store",
}

var packagesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the configured catalog into the package store",
	RunE:  runPackagesSync,
}

var packagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published package versions",
	RunE:  runPackagesList,
}

var packagesResolveCmd = &cobra.Command{
	Use:   "resolve <name> <query>",
	Short: "Show the version a query resolves to",
	Long: `Resolve a version query the way the server does: an exact version, a
semantic version range such as ^1.2.0 or ~1.2, or * for the highest
published version.`,
	Args: cobra.ExactArgs(2),
	RunE: runPackagesResolve,
}

func init() {
	packagesCmd.AddCommand(packagesSyncCmd, packagesListCmd, packagesResolveCmd)
	rootCmd.AddCommand(packagesCmd)
}

func openStore() (*packages.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDatabase(cfg.Packages.DBPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := packages.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func runPackagesSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Packages.CatalogPath == "" {
		return fmt.Errorf("packages.catalog_path is not configured")
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	catalog, err := packages.LoadCatalog(cfg.Packages.CatalogPath)
	if err != nil {
		return err
	}
	added, removed, err := store.Sync(catalog)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %s: %d added, %d removed\n", cfg.Packages.CatalogPath, added, removed)
	return nil
}

func runPackagesList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	versions, err := store.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tARTIFACT\tUPDATED")
	for _, v := range versions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, v.Version, v.Artifact, time.UnixMilli(v.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}

func runPackagesResolve(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	pv, err := packages.NewResolver(store).Resolve(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s@%s %s\n", pv.Name, pv.Version, pv.Artifact)
	return nil
}
