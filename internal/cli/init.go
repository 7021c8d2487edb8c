package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigYAML = `# tempo node config. Durations are Go duration strings.
node:
  id: node-1
  capabilities: [general]
  # planner: planner-1   # receives rhythm escalations

logging:
  level: info            # trace | debug | info | warn | error
  console: true

scheduler:
  max_queue: 100
  max_concurrent: 5

aid:
  request_interval: 5s

watchdog:
  pulse_every: 30s
  recover_every: 60s
  audit_every: 120s
  stale_after: 120s

tuning:
  high_threshold: 0.8
  low_threshold: 0.3

rhythms:
  - name: release-idle
    schedule: "*/5 * * * *"
    action: release_idle
    adaptive: true

bus:
  driver: memory         # memory | redis
  # redis_addr: 127.0.0.1:6379

storage:
  driver: none           # none | file | sqlite
  path: ./data/tempo

http:
  addr: 127.0.0.1:8080
`

func newInitCmd(cfgFile *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a default configuration to the --config path.
Fails if the file already exists unless --force is passed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := *cfgFile
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}
			if err := os.WriteFile(dest, []byte(defaultConfigYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
