package commands

import (
	"fmt"
	"strings"

	"github.com/jarvis-dash/jarvis-core/internal/config"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the services manifest",
}

var servicesOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Print the start order of the manifest",
	Long: `Print the services in the order they will be started, one per line, with
their dependencies. A dependency cycle is reported as an error.`,
	Args: cobra.NoArgs,
	RunE: runServicesOrder,
}

func init() {
	servicesCmd.AddCommand(servicesOrderCmd)
}

func runServicesOrder(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manifest, err := config.LoadManifest(cfg.ServicesFile)
	if err != nil {
		return err
	}

	manager := lifecycle.New(zerolog.Nop())
	specs := make(map[string]config.ServiceSpec, len(manifest.Services))
	for _, spec := range manifest.Services {
		specs[spec.Name] = spec
		err := manager.Register(lifecycle.Descriptor{
			Name:         spec.Name,
			Dependencies: spec.Dependencies,
			Required:     spec.Required,
			Service:      lifecycle.Funcs{},
		})
		if err != nil {
			return err
		}
	}

	order, err := manager.Order()
	if err != nil {
		return err
	}
	for i, name := range order {
		spec := specs[name]
		kind := "optional"
		if spec.Required {
			kind = "required"
		}
		line := name + " (" + kind + ")"
		if len(spec.Dependencies) > 0 {
			line += " <- " + strings.Join(spec.Dependencies, ", ")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, line)
	}
	return nil
}
