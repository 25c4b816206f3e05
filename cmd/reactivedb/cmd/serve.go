/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/reactivedb/pkg/api"
	"github.com/ssargent/reactivedb/pkg/config"
	"github.com/ssargent/reactivedb/pkg/netproto"
)

// defaultBPlusTreeOrder is the B+ tree fanout (node_size) every table's
// index is built with when the --order flag isn't given.
// spec.md §4.2 names 5 as the default.
const defaultBPlusTreeOrder = 5

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reactivedb server",
	Long: `Load the table document from the config file, wire it into a live
datastore, and serve it: the TCP line protocol on bind:port for clients,
and a read-only admin HTTP surface (health, stats, debug, Prometheus
metrics) on admin_port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		order, _ := cmd.Flags().GetInt("order")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}

		ds, err := config.BuildDatastore(cfg, cfg.DataDir, order)
		if err != nil {
			return fmt.Errorf("building datastore: %w", err)
		}
		defer ds.Close()

		addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		defer ln.Close()

		netSrv := netproto.NewServer(ds)
		defer netSrv.Close()

		go func() {
			log.Printf("reactivedb: TCP line protocol listening on %s", addr)
			if err := netSrv.Serve(ln); err != nil {
				log.Printf("reactivedb: netproto server stopped: %v", err)
			}
		}()

		go func() {
			if err := api.StartServer(ds, cfg.AdminPort); err != nil {
				log.Printf("reactivedb: admin API server stopped: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Println("reactivedb: shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("order", defaultBPlusTreeOrder, "B+ tree fanout (node_size) for every table's index")
}
