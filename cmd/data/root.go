package data

import (
	"github.com/ValentinKolb/dRep/cmd/util"
	"github.com/ValentinKolb/dRep/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// DataCommands represents the data command group
	DataCommands = &cobra.Command{
		Use:               "data",
		Short:             "Change collections and things of the replicated store",
		PersistentPreRunE: setupClient,
		PersistentPostRun: closeClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupRPCClientFlags(DataCommands)

	DataCommands.AddCommand(newCollectionCmd)
	DataCommands.AddCommand(delCollectionCmd)
	DataCommands.AddCommand(newCmd)
	DataCommands.AddCommand(setCmd)
	DataCommands.AddCommand(delCmd)
	DataCommands.AddCommand(perfTestCmd)
}

func setupClient(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewClient(cmd)
	return err
}

func closeClient(_ *cobra.Command, _ []string) {
	if rpcClient != nil {
		rpcClient.Close()
	}
}
