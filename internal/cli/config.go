package cli

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configDocument prints as YAML in text mode.
type configDocument map[string]any

func (d configDocument) String() string {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(d)); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	_ = enc.Close()
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and PORTALDB_*
environment overrides are applied. Secrets are redacted. Exits 2 when the
configuration is invalid.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return formatterFor(cmd, rootOpts).Success(configDocument(cfg.Redacted().Document()))
		},
	}
}
