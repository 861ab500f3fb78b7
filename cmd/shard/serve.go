package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcas-project/shard/internal/config"
	"github.com/mcas-project/shard/internal/logging"
	"github.com/mcas-project/shard/shard"
)

// serveCmd mirrors the teacher's ServeCmd: flags registered at init,
// bound to viper in PreRunE, consumed in RunE.
var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "start the shard's event loop and transport endpoint",
	Long:    `Start the shard. Configuration can be set via command line flags or MCAS_<flag> environment variables (e.g. MCAS_BACKEND=hstore).`,
	PreRunE: processConfig,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(config.InitEnv)
	config.BindFlags(serveCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	return config.BindCommandFlags(cmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.FromViper()
	if err != nil {
		return err
	}

	if err := logging.Init(cfg.LogLevel); err != nil {
		return err
	}

	s, err := shard.New(cfg)
	if err != nil {
		return fmt.Errorf("shard: %w", err)
	}
	defer s.Close()

	return s.Run(context.Background())
}
