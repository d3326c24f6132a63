package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file and print the effective settings.

Defaults and LOWPAN_* environment overrides are applied before validation,
so the printed YAML is exactly what the other commands run with.

Examples:
  lowpan validate -c lowpan.yml
  LOWPAN_LINK_MTU=640 lowpan validate`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "VALID: interface %s (%s), %s compression, frame %d bytes, mtu %d\n",
		cfg.Interface.Name,
		cfg.Interface.Addr,
		cfg.Compression.Scheme,
		cfg.Link.FrameLen,
		cfg.Link.MTU,
	)
	return cfg.Dump(w)
}
