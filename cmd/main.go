package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/synqx/synqx/internal/build"
	"github.com/synqx/synqx/internal/cmd"

	_ "github.com/synqx/synqx/internal/connector/memconn"
	_ "github.com/synqx/synqx/internal/connector/objstore"
	_ "github.com/synqx/synqx/internal/connector/sqlconn/drivers/postgres"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "SynqX is a distributed data integration engine",
	Long: `SynqX moves and transforms data between connected systems.

Pipelines are versioned DAGs of extract, transform and load operators,
executed as streaming chunk plans either in-process or on remote agents.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.CmdServer())
	rootCmd.AddCommand(cmd.CmdAgent())
	rootCmd.AddCommand(cmd.CmdVersion())

	build.Version = version
}

var version = "0.0.0"
