package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/intern3chat/threadline/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "threadline.yaml"

// defaultServerURL is used when neither --server nor THREADLINE_SERVER is set.
const defaultServerURL = "http://localhost:8080"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Threadline config file")
}

func addServerFlag(cmd *cobra.Command, url *string) {
	def := os.Getenv("THREADLINE_SERVER")
	if def == "" {
		def = defaultServerURL
	}
	cmd.Flags().StringVarP(url, "server", "s", def, "Threadline API base URL")
}

// loadConfig reads the config at path. A missing file at the default path
// falls back to the built-in defaults; an explicitly named one must exist.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		return config.Parse(nil)
	}
	return nil, fmt.Errorf("load config: %w", err)
}
