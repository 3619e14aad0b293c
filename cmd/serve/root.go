package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dRep/cmd/util"
	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/ValentinKolb/dRep/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dRep node",
		Long: `Start a dRep node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DREP_<flag> (e.g. DREP_NODE_ID=1).

Every node of a cluster is started with the same member list. On the very first start of a new cluster exactly one node is started with --init, the others synchronize from it.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultServerConfig()
	timeouts := defaults.Timeouts

	key := "node-id"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The id of this node, its position in the member list"))

	key = "members"
	ServeCmd.PersistentFlags().String(key, "0=127.0.0.1:9220", cmdUtil.WrapString("Comma-separated list of the cluster members in the format 'ID=host:port[/zone]' (e.g. '0=10.0.0.1:9220,1=10.0.0.2:9220/1'). Ids are dense and start at 0"))

	key = "secret"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The shared secret every node of the cluster authenticates with"))

	key = "zone"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Overrides the zone of this node given in the member list"))

	key = "init"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Start as the first node of a new cluster: the node is READY without a sync. Use it on exactly one node and only once"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, defaults.Endpoint, cmdUtil.WrapString("The address on which the node listens for nodes and clients"))

	key = "client-socket"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional unix socket for local clients (e.g. /tmp/drep.sock)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, defaults.DataDir, cmdUtil.WrapString("The directory holding the snapshot, the archive and the global status"))

	key = "segment-size"
	ServeCmd.PersistentFlags().Int64(key, defaults.SegmentSize, cmdUtil.WrapString("Size in bytes after which the open archive segment is sealed"))

	key = "keep-segments"
	ServeCmd.PersistentFlags().Int(key, defaults.KeepSegments, cmdUtil.WrapString("Number of sealed archive segments kept after a snapshot, so peers can catch up without a full sync"))

	key = "chunk-size"
	ServeCmd.PersistentFlags().Int(key, defaults.ChunkSize, cmdUtil.WrapString("Size in bytes of a single chunk of a synchronization"))

	key = "info-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.InfoInterval, cmdUtil.WrapString("How often the node broadcasts its status and runs its periodic work"))

	key = "maint-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.MaintInterval, cmdUtil.WrapString("How often the node tries to go away for maintenance (snapshot, archive pruning, serving syncs)"))

	key = "connect-timeout"
	ServeCmd.PersistentFlags().Duration(key, timeouts.Connect, cmdUtil.WrapString("Timeout of the connect handshake"))

	key = "change-id-timeout"
	ServeCmd.PersistentFlags().Duration(key, timeouts.ChangeID, cmdUtil.WrapString("Timeout of a change id request"))

	key = "sync-done-timeout"
	ServeCmd.PersistentFlags().Duration(key, timeouts.SyncDone, cmdUtil.WrapString("Timeout of the completion of a synchronization phase"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address for the Prometheus metrics endpoint (e.g. 0.0.0.0:9221)"))
}

// processConfig reads the flags and environment variables into the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	members, err := common.ParseMembers(viper.GetString("members"))
	if err != nil {
		return err
	}
	nodeID := viper.GetInt("node-id")
	if nodeID < 0 || nodeID >= len(members) {
		return fmt.Errorf("node id %d has no entry in the member list", nodeID)
	}

	serveCmdConfig.NodeID = uint8(nodeID)
	serveCmdConfig.Members = members
	serveCmdConfig.Secret = viper.GetString("secret")
	serveCmdConfig.Zone = uint8(viper.GetUint("zone"))
	serveCmdConfig.Init = viper.GetBool("init")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.ClientSocket = viper.GetString("client-socket")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.SegmentSize = viper.GetInt64("segment-size")
	serveCmdConfig.KeepSegments = viper.GetInt("keep-segments")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.ChunkSize = viper.GetInt("chunk-size")
	serveCmdConfig.InfoInterval = viper.GetDuration("info-interval")
	serveCmdConfig.MaintInterval = viper.GetDuration("maint-interval")
	serveCmdConfig.Timeouts.Connect = viper.GetDuration("connect-timeout")
	serveCmdConfig.Timeouts.ChangeID = viper.GetDuration("change-id-timeout")
	serveCmdConfig.Timeouts.SyncDone = viper.GetDuration("sync-done-timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.Secret == "" {
		fmt.Fprintln(os.Stderr, "warning: no secret set, every node knowing the member list may join")
	}
	if serveCmdConfig.InfoInterval <= 0 || serveCmdConfig.MaintInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return serveCmdConfig.Validate()
}

// run starts the node and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	node, err := server.New(serveCmdConfig, server.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = node.Run(ctx)
	fmt.Printf("node stopped after %s\n", time.Since(start).Round(time.Second))
	return err
}
