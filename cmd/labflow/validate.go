package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes"
	"github.com/openbench/labflow/pkg/schema"
)

var errValidation = errors.New("experiment has validation issues")

// dryRunIssues cross-checks the hardware declarations, then builds the node
// graph without instantiating any boards to catch unknown node types, bad
// params and structural problems.
func dryRunIssues(ctx context.Context, exp *schema.Experiment) []string {
	var issues []string

	boards := make(map[string]bool)

	for _, b := range exp.Hardware.Boards {
		if boards[b.ID] {
			issues = append(issues, fmt.Sprintf("duplicate board id %q", b.ID))
		}

		boards[b.ID] = true
	}

	devices := make(map[string]bool)

	for _, d := range exp.Hardware.Devices {
		if devices[d.ID] {
			issues = append(issues, fmt.Sprintf("duplicate device id %q", d.ID))
		}

		devices[d.ID] = true

		if !boards[d.BoardID] {
			issues = append(issues, fmt.Sprintf("device %q references unknown board %q", d.ID, d.BoardID))
		}
	}

	for _, n := range exp.Nodes {
		if n.DeviceID != "" && !devices[n.DeviceID] {
			issues = append(issues, fmt.Sprintf("node %q references unknown device %q", n.ID, n.DeviceID))
		}
	}

	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))

	registry := node.NewRegistry()
	if err := nodes.RegisterAll(registry, mgr); err != nil {
		return append(issues, err.Error())
	}

	engine := flow.NewEngine(registry)

	graphOnly := *exp
	graphOnly.Hardware = schema.Hardware{}

	if err := schema.Load(ctx, &graphOnly, engine, mgr); err != nil {
		return append(issues, err.Error())
	}

	return append(issues, engine.Validate()...)
}

// NewValidateCommand checks an experiment file without touching hardware.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate an experiment file",
		ArgsUsage: "<experiment.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			path := command.Args().First()
			if path == "" {
				return errors.New("usage: labflow validate <experiment.json>")
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read experiment: %w", err)
			}

			exp, err := schema.Parse(data)
			if err != nil {
				return err
			}

			issues := dryRunIssues(ctx, exp)
			if len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintln(os.Stderr, "issue:", issue)
				}

				return fmt.Errorf("%w: %d found", errValidation, len(issues))
			}

			fmt.Printf("%s: ok (%d nodes, %d connections, %d boards, %d devices)\n",
				exp.Name, len(exp.Nodes), len(exp.Connections),
				len(exp.Hardware.Boards), len(exp.Hardware.Devices))

			return nil
		},
	}
}
