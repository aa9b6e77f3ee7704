// Package commands implements the nbtlookup command line.
package commands

import (
	"time"

	"github.com/spf13/cobra"
)

// options holds the values of the root command flags.
type options struct {
	configPath string
	order      string
	wins       []string
	bcast      bool
	unicast    string
	nameType   string
	scope      string
	timeout    time.Duration
	status     bool
	all        bool
	workgroup  bool
	metrics    bool
	verbose    bool
}

var opts options

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nbtlookup [flags] NAME...",
	Short: "Resolve NetBIOS names",
	Long: `nbtlookup resolves NetBIOS names to IP addresses and queries the name
tables of NetBIOS nodes.

Names are resolved with the configured resolve order (lmhosts, WINS,
broadcast and DNS). With --status each argument is a host whose name table
is printed instead.

Settings are read from the file given by --config and from NETBIOS_*
environment variables, then overridden by flags.

Examples:
  nbtlookup FILESRV
  nbtlookup --type 1d CORP
  nbtlookup --wins 10.0.0.1 --order WINS FILESRV
  nbtlookup --status 10.0.0.5`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLookup(cmd, &opts, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rootCmd.PrintErrln("Error:", err)
	}
	return err
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Resolver configuration file (yaml, toml or json)")
	flags.StringVar(&opts.order, "order", "", "Resolve order, e.g. LMHOSTS,WINS,BCAST,DNS")
	flags.StringSliceVar(&opts.wins, "wins", nil, "WINS server addresses, tried in order")
	flags.BoolVarP(&opts.bcast, "bcast", "B", false, "Query the broadcast address directly")
	flags.StringVarP(&opts.unicast, "unicast", "U", "", "Query this node directly")
	flags.StringVarP(&opts.nameType, "type", "t", "20", "Name type in hex")
	flags.StringVarP(&opts.scope, "scope", "i", "", "NetBIOS scope")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Wait per query attempt (default from config)")
	flags.BoolVarP(&opts.status, "status", "A", false, "Print the name table of each host")
	flags.BoolVarP(&opts.all, "all", "a", false, "Resolve like a file client, including DNS")
	flags.BoolVarP(&opts.workgroup, "workgroup", "w", false, "Resolve each name as a workgroup or a server")
	flags.BoolVar(&opts.metrics, "metrics", false, "Print resolver metrics when done")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log resolver activity to stderr")

	rootCmd.MarkFlagsMutuallyExclusive("status", "all", "workgroup")
	rootCmd.MarkFlagsMutuallyExclusive("bcast", "unicast")

	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
