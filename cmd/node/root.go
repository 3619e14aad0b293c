package node

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dRep/cmd/util"
	"github.com/ValentinKolb/dRep/lib/cluster"
	"github.com/ValentinKolb/dRep/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// NodeCommands represents the node command group
	NodeCommands = &cobra.Command{
		Use:               "node",
		Short:             "Inspect nodes and change the cluster membership",
		PersistentPreRunE: setupClient,
		PersistentPostRun: closeClient,
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the node answers and prints its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pong, err := rpcClient.Ping()
			if err != nil {
				return err
			}
			fmt.Printf("node:%d (%s) %s, ccid %d\n", pong.NodeID, pong.Version, cluster.Status(pong.Status), pong.CCID)
			return nil
		},
	}

	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the node's view of itself and the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcClient.Info()
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Print(info.String())
			return nil
		},
	}

	addCmd = &cobra.Command{
		Use:   "add [host:port]",
		Short: "Adds a node to the cluster",
		Long:  "Adds a node to the cluster. Every peer must be connected. Start the new node afterwards with the full member list (including itself), it synchronizes on its own.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, _ := cmd.Flags().GetUint8("zone")
			id, err := rpcClient.AddNode(args[0], zone)
			if err != nil {
				return err
			}
			fmt.Printf("node added with change %d\n", id)
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [id]",
		Short: "Removes a node from the cluster",
		Long:  "Removes a node from the cluster. The node receiving the request cannot remove itself.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("id must be a number: %w", err)
			}
			change, err := rpcClient.DelNode(uint8(id))
			if err != nil {
				return err
			}
			fmt.Printf("node:%d removed with change %d\n", id, change)
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupRPCClientFlags(NodeCommands)

	infoCmd.Flags().Bool("json", false, util.WrapString("Print the raw info document"))
	addCmd.Flags().Uint8("zone", 0, util.WrapString("The zone of the new node"))

	NodeCommands.AddCommand(pingCmd)
	NodeCommands.AddCommand(infoCmd)
	NodeCommands.AddCommand(addCmd)
	NodeCommands.AddCommand(delCmd)
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
