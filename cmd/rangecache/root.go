// Package main is the rangecache CLI entrypoint, wiring config load,
// zerolog setup, and construction of the Store/Fetcher/Manager/Listener
// stack, following the layout of
// always-cache-always-cache/cmd/always-cache/main.go generalized onto
// cobra + viper the way discochess-stockpile's cmd/stockpile/root.go does.
package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	logFile    string
	verboseTr  bool
	listenPort int
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "rangecache",
	Short: "Caching reverse proxy for byte-range requests against large media objects",
	Long: `rangecache is a reverse proxy that caches large media objects on local
disk and serves byte-range requests by stitching together whatever's already
cached with whatever still needs to be fetched from the origin.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file to use in addition to stdout")
	rootCmd.PersistentFlags().BoolVar(&verboseTr, "vv", false, "verbosity: trace logging")
	rootCmd.Flags().IntVarP(&listenPort, "port", "p", 0, "port to listen on (overrides config)")

	v.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("vv"))
	// listen_port is bound manually in runServe, not via BindPFlag: the
	// flag's zero-value default would otherwise outrank config.Load's
	// own SetDefault(8080) in viper's precedence order whenever --port
	// is left unset.
}
