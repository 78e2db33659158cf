package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/internal/component"
	"github.com/giantswarm/celixdm/internal/dependency"
	"github.com/giantswarm/celixdm/internal/dm"
	"github.com/giantswarm/celixdm/pkg/logging"
	"github.com/giantswarm/celixdm/pkg/registry"
)

// scenarioFile is the on-disk description of a bundle: the services it
// publishes (registered once every component is enabled) and the
// components it runs against them. It exists to
// let the CLI demonstrate and introspect the state machine without a real
// bundle loader, which is explicitly out of scope for this module.
type scenarioFile struct {
	BundleName string              `yaml:"bundleName"`
	Services   []scenarioService   `yaml:"services"`
	Components []scenarioComponent `yaml:"components"`
}

type scenarioService struct {
	ServiceType string         `yaml:"serviceType"`
	Ranking     int            `yaml:"ranking"`
	Properties  map[string]any `yaml:"properties"`
}

type scenarioComponent struct {
	Name         string               `yaml:"name"`
	Dependencies []scenarioDependency `yaml:"dependencies"`
}

type scenarioDependency struct {
	ServiceType string `yaml:"serviceType"`
	Filter      string `yaml:"filter"`
	Required    bool   `yaml:"required"`
	Cardinality string `yaml:"cardinality"` // "one" (default) or "many"
}

func parseCardinality(s string) (dependency.Cardinality, error) {
	switch s {
	case "", "one":
		return dependency.One, nil
	case "many":
		return dependency.Many, nil
	default:
		return dependency.One, fmt.Errorf("cmd: unknown cardinality %q (want \"one\" or \"many\")", s)
	}
}

var (
	scenarioSettleTimeout time.Duration
	scenarioOutputFormat  string
)

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario FILE",
		Short: "Load a scenario file and report the resulting component/dependency state",
		Long: `Loads a YAML scenario describing services to register and Component
Managers to enable against them, runs the resulting graph to a steady
state, prints a status table, then stops every component.`,
		Args: cobra.ExactArgs(1),
		RunE: runScenario,
	}
	cmd.Flags().DurationVar(&scenarioSettleTimeout, "settle-timeout", 2*time.Second, "how long to wait for the graph to settle before reporting")
	cmd.Flags().StringVarP(&scenarioOutputFormat, "output", "o", "table", "output format (table, yaml)")
	return cmd
}

func runScenario(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cmd: reading scenario file: %w", err)
	}

	var sf scenarioFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("cmd: parsing scenario file: %w", err)
	}
	if sf.BundleName == "" {
		sf.BundleName = "scenario"
	}

	reg := registry.New()
	bundle := dm.New(sf.BundleName, reg)

	cms := make([]*component.Manager, 0, len(sf.Components))
	for _, sc := range sf.Components {
		cm := bundle.CreateComponentManager(sc.Name, nil)
		for _, sd := range sc.Dependencies {
			card, err := parseCardinality(sd.Cardinality)
			if err != nil {
				return err
			}
			dep := cm.AddServiceDependency(sd.ServiceType)
			if err := dep.SetRequired(sd.Required); err != nil {
				return err
			}
			if err := dep.SetCardinality(card); err != nil {
				return err
			}
			if sd.Filter != "" {
				if err := dep.SetFilter(sd.Filter); err != nil {
					return err
				}
			}
		}
		if err := cm.Enable(); err != nil {
			return fmt.Errorf("cmd: enabling component %s: %w", sc.Name, err)
		}
		cms = append(cms, cm)
	}

	for _, svc := range sf.Services {
		props := registry.Properties{}
		for k, v := range svc.Properties {
			props[k] = v
		}
		props[registry.ServiceRanking] = svc.Ranking
		if _, err := reg.Register(svc.ServiceType, struct{}{}, props); err != nil {
			return fmt.Errorf("cmd: registering service %s: %w", svc.ServiceType, err)
		}
	}

	waitForSettle(cms, scenarioSettleTimeout)

	snaps := bundle.Snapshot()
	switch scenarioOutputFormat {
	case "yaml":
		out, err := yaml.Marshal(snaps)
		if err != nil {
			return fmt.Errorf("cmd: marshalling snapshot: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
	default:
		renderComponentTable(cmd.OutOrStdout(), snaps)
	}

	if err := bundle.Stop(); err != nil && !cmerrors.IsInvalidState(err) {
		logging.Error("DependencyManager", err, "scenario: stopping bundle %s", sf.BundleName)
		return err
	}
	return nil
}

// waitForSettle polls every component's lifecycle state until it stops
// changing for two consecutive samples, or timeout elapses. It exists only
// to give the scenario command a stable snapshot to print; nothing in the
// core packages depends on this kind of polling.
func waitForSettle(cms []*component.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	var last []component.State
	stable := 0
	for time.Now().Before(deadline) {
		cur := make([]component.State, len(cms))
		for i, cm := range cms {
			cur[i] = cm.State()
		}
		if statesEqual(cur, last) {
			stable++
			if stable >= 2 {
				return
			}
		} else {
			stable = 0
		}
		last = cur
		time.Sleep(10 * time.Millisecond)
	}
}

func statesEqual(a, b []component.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
