package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRep/cmd/data"
	"github.com/ValentinKolb/dRep/cmd/node"
	"github.com/ValentinKolb/dRep/cmd/serve"
	"github.com/ValentinKolb/dRep/cmd/util"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/spf13/cobra"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "drep",
		Short: "replicated database cluster",
		Long: fmt.Sprintf(`dRep (v%s)

A multi-node database cluster in which every node holds a full replica.
Changes are ordered by cluster wide change ids acquired over a quorum,
nodes that fell behind catch up with a three phase synchronization.`, cluster.Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRep",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRep v%s (compatible down to v%s)\n", cluster.Version, cluster.MinimalVersion)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(data.DataCommands)
	RootCmd.AddCommand(node.NodeCommands)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json, gob), all nodes of a cluster must use the same"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
