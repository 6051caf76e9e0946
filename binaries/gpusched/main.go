package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gpusched/common/log/hooks"
	"github.com/twitter/gpusched/scheduler/client/cli"
)

// CLI binary for the gpu job scheduler
//
//	Supported commands: (see "-h" for all options)
//		list_configs
//		show_config [name]
//		simulate
//	Global flags:
//		--config_file [file layered over the named configuration]
//		--log_level [<error|info|debug> level and above should be logged]
func main() {
	log.AddHook(hooks.NewContextHook())

	if err := cli.NewCLI().Exec(); err != nil {
		log.Fatal("Error running gpusched ", err)
	}
}
