package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csharpref/provider/internal/config"
	"github.com/csharpref/provider/internal/project"
	"github.com/csharpref/provider/internal/rpcserver"
)

var (
	servePort       uint16
	serveSocket     string
	serveName       string
	serveDBPath     string
	serveConfigPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the structural query RPC server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Uint16Var(&servePort, "port", 0, "TCP port to bind (mutually exclusive with --socket)")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Unix domain socket path to bind (mutually exclusive with --port)")
	serveCmd.Flags().StringVar(&serveName, "name", "csharpref-provider", "server identity reported to clients")
	serveCmd.Flags().StringVar(&serveDBPath, "db-path", "", "persistence file path (default /tmp/c_sharp_provider.db)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "optional YAML defaults file (internal/config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	havePort := cmd.Flags().Changed("port")
	haveSocket := cmd.Flags().Changed("socket")
	if havePort == haveSocket {
		return configError(fmt.Errorf("exactly one of --port or --socket is required"))
	}

	defaults, err := config.Load(serveConfigPath)
	if err != nil {
		return configError(err)
	}
	if serveDBPath != "" {
		defaults.DBPath = serveDBPath
	}

	slot := project.NewSlot()
	builder := project.NewBuilder(slot)
	srv := rpcserver.New(serveName, slot, builder, defaults)

	if havePort {
		addr := fmt.Sprintf(":%d", servePort)
		if err := srv.ServeTCP(addr); err != nil {
			return bindError(err)
		}
		return nil
	}
	if err := srv.ServeUnix(serveSocket); err != nil {
		return bindError(err)
	}
	return nil
}
