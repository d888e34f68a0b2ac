package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/facts"
	"github.com/mariner-sh/mariner/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		varFlags  []string
		policyDir string
		noPolicy  bool
	)

	cmd := &cobra.Command{
		Use:   "validate <recipe>",
		Short: "Validate a recipe without converging",
		Long: `Resolve a recipe into its resource list and run the pre-apply checks:
duplicate resource identities, unknown notification targets, immediate
notifications pointing upstream, and the policy gate. Nothing on the host
is touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}

			node := facts.NewCollector(log).Collect().Map()
			list, err := loadResources(log, args[0], node, vars)
			if err != nil {
				exitCode = 1
				return err
			}
			defer func() {
				for _, res := range list {
					res.Release()
				}
			}()

			if err := engine.Validate(list); err != nil {
				exitCode = 1
				return err
			}

			if !noPolicy {
				gate := policy.NewGate(log)
				if policyDir != "" {
					if err := gate.LoadDir(policyDir); err != nil {
						return err
					}
				}
				result, err := gate.Evaluate(cmd.Context(), policy.InputsFromResources(list))
				if err != nil {
					return err
				}
				for _, v := range result.Violations {
					fmt.Printf("  %s: [%s] %s: %s\n", v.Severity, v.Policy, v.Resource, v.Message)
				}
				if !result.Allowed {
					exitCode = 1
					return fmt.Errorf("policy gate rejected the resource list")
				}
			}

			fmt.Printf("OK: %s resolves to %d valid resources\n", args[0], len(list))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "recipe variable as key=value (repeatable)")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego policies")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip the policy gate")

	return cmd
}
