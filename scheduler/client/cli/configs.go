package cli

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/gpusched/scheduler/config"
)

type listConfigsCmd struct{}

func (c *listConfigsCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "list_configs",
		Short: "Lists the named configurations",
		Args:  cobra.NoArgs,
	}
}

func (c *listConfigsCmd) Run(cl *CLI, cmd *cobra.Command, args []string) error {
	for _, name := range config.ConfigNames() {
		fmt.Fprintln(cl.out(), name)
	}
	return nil
}

type showConfigCmd struct {
	resolved bool
}

func (c *showConfigCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "show_config [name]",
		Short: "Prints a named configuration as json",
		Args:  cobra.MaximumNArgs(1),
	}
	r.Flags().BoolVar(&c.resolved, "resolved", false, "Print the configuration after --config_file, GPUSCHED_* env vars and defaults are applied")
	return r
}

func (c *showConfigCmd) Run(cl *CLI, cmd *cobra.Command, args []string) error {
	name := "default"
	if len(args) == 1 {
		name = args[0]
	}

	if !c.resolved {
		text, err := config.GetConfigText(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cl.out(), "%s\n", text)
		return nil
	}

	log.Infof("Resolving config %s", name)
	cfg, err := config.LoadConfig(name, cl.ConfigFile)
	if err != nil {
		return err
	}
	text, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("Error converting config to JSON: %v", err)
	}
	fmt.Fprintf(cl.out(), "%s\n", text)
	return nil
}
