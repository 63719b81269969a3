package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livepush/internal/config"
	"github.com/vango-dev/livepush/internal/errors"
)

const entryTemplate = `-- Entry script pushed to runtimes by livepush.
print("hello from livepush")
`

func initCmd() *cobra.Command {
	var (
		useYAML bool
		force   bool
		port    int
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default livepush config",
		Long: `Write a default livepush.json (or livepush.yaml) to a directory,
and an index.lua entry script if there is none.

Examples:
  livepush init
  livepush init ./scripts --yaml
  livepush init --port=9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(dir, useYAML, force, port)
		},
	}

	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Write livepush.yaml instead of livepush.json")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Bridge port")

	return cmd
}

func runInit(dir string, useYAML, force bool, port int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.New(errors.CodeConfigWrite).Wrap(err)
	}
	if config.Exists(dir) && !force {
		return errors.New(errors.CodeConfigWrite).
			WithDetail("A livepush config already exists in " + dir).
			WithSuggestion("Use --force to overwrite it")
	}

	cfg := config.New()
	cfg.Port = port
	if err := cfg.Validate(); err != nil {
		return err
	}

	name := config.ConfigFileName
	if useYAML {
		name = config.YAMLConfigFileName
	}
	path := filepath.Join(dir, name)
	if err := cfg.SaveTo(path); err != nil {
		return err
	}
	success("Created %s", path)

	entry := filepath.Join(dir, cfg.EntryFile)
	if _, err := os.Stat(entry); os.IsNotExist(err) {
		if err := os.WriteFile(entry, []byte(entryTemplate), 0644); err != nil {
			return errors.New(errors.CodeConfigWrite).Wrap(err)
		}
		success("Created %s", entry)
	}

	info("Run 'livepush serve' in %s to start the bridge", dir)
	return nil
}
