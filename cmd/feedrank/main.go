package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedrank",
		Short:         "Score content items and serve the recommended feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(recalcCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(feedCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(importCmd())
	root.AddCommand(curateCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, importer and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server without the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func recalcCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Run one score recalculation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecalc(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rescore every published item in the window")
	return cmd
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <item-id>",
		Short: "Explain how an item's score is computed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(args[0])
		},
	}
}

func feedCmd() *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the recommended feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(page, pageSize)
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "items per page")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ranking statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change algorithm settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsGet()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Update settings; all values are validated before any is saved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsSet(args)
		},
	})
	return cmd
}

func importCmd() *cobra.Command {
	var (
		hn      bool
		hnLimit int
	)

	cmd := &cobra.Command{
		Use:   "import [feed-url...]",
		Short: "Import items from configured feeds, extra feed URLs and Hacker News",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(args, hn, hnLimit)
		},
	}

	cmd.Flags().BoolVar(&hn, "hn", false, "also import Hacker News top stories")
	cmd.Flags().IntVar(&hnLimit, "hn-limit", 100, "max Hacker News stories")
	return cmd
}

func curateCmd() *cobra.Command {
	var off bool

	cmd := &cobra.Command{
		Use:   "curate <item-id>",
		Short: "Pin an item into the feed as an editor pick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCurate(args[0], !off)
		},
	}

	cmd.Flags().BoolVar(&off, "off", false, "remove the editor pick instead")
	return cmd
}
