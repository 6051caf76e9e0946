package cli

import (
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Cmd is one subcommand: it declares its flags and runs against the shared CLI state.
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *CLI, cmd *cobra.Command, args []string) error
}

// CLI includes the root command and the flags every subcommand shares
type CLI struct {
	RootCmd    *cobra.Command
	LogLevel   string
	ConfigFile string
}

func (c *CLI) Exec() error {
	return c.RootCmd.Execute()
}

func NewCLI() *CLI {
	c := &CLI{}
	c.RootCmd = &cobra.Command{
		Use:               "gpusched",
		Short:             "gpusched admits, queues and dispatches gpu jobs",
		PersistentPreRunE: c.Init,
		SilenceUsage:      true,
	}
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	c.RootCmd.PersistentFlags().StringVar(&c.ConfigFile, "config_file", "", "json, yaml or toml file layered over the named configuration")

	c.addCmd(&listConfigsCmd{})
	c.addCmd(&showConfigCmd{})
	c.addCmd(&simulateCmd{})
	return c
}

// Can only be called from cobra command run or hook
func (c *CLI) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Error(err)
		return err
	}
	log.SetLevel(level)
	return nil
}

func (c *CLI) out() io.Writer {
	return c.RootCmd.OutOrStdout()
}

func (c *CLI) addCmd(cmd Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}
