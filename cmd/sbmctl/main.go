// Command sbmctl is the host-side entry point for the secure boot
// manager: it provisions device data blocks and update packages offline,
// inspects their contents, and runs the boot orchestrator against a
// RAM-backed simulated device for integration testing without hardware.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sbm/internal/config"
)

func main() {
	var configFile string
	var profileName string

	root := &cobra.Command{
		Use:   "sbmctl",
		Short: "Secure boot manager provisioning and simulation tool",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to board-profiles.yaml (default: search . /etc/sbm $HOME/.sbm)")
	root.PersistentFlags().StringVar(&profileName, "profile", "", "Board profile name (default: \"default\" or SBM_PROFILE)")

	loadProfile := func() (config.FeatureSet, config.Devices, error) {
		loader := config.NewLoader(configFile)
		if err := loader.BindFlags(root.PersistentFlags()); err != nil {
			return config.FeatureSet{}, config.Devices{}, fmt.Errorf("sbmctl: bind flags: %w", err)
		}
		return loader.Load(profileName)
	}

	root.AddCommand(provisionCmd())
	root.AddCommand(swupCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(simulateBootCmd(loadProfile))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sbmctl: %v\n", err)
		os.Exit(1)
	}
}
