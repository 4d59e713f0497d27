package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"harvester"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				return errors.Wrap(err, "enumerate ports")
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.Product)
				} else {
					fmt.Println(p.Name)
				}
			}
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print robot, arm and mission status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Robot().ResyncFromFirmware(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "resync: %v\n", err)
				}
				return printJSON(sup.Status())
			})
		},
	}
}

func newHomeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Drive to the H_RIGHT and V_UP switches and set the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Robot().Home(ctx); err != nil {
					return err
				}
				return printJSON(sup.Robot().Status())
			})
		},
	}
}

func newCalibrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Home, then measure the workspace between the limit switches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				ws, err := sup.Robot().CalibrateWorkspace(ctx)
				if err != nil {
					return err
				}
				return printJSON(ws)
			})
		},
	}
}

func newMoveCmd(opts *rootOptions) *cobra.Command {
	var relative bool
	cmd := &cobra.Command{
		Use:   "move X Y",
		Short: "Move to an absolute position, or by a delta with --relative",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return errors.Wrapf(err, "invalid x %q", args[0])
			}
			y, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return errors.Wrapf(err, "invalid y %q", args[1])
			}
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				robot := sup.Robot()
				if relative {
					err = robot.MoveRelative(ctx, x, y)
				} else {
					err = robot.MoveToAbsolute(ctx, x, y)
				}
				if err != nil {
					return err
				}
				return printJSON(robot.LogicalPosition())
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Treat X Y as a firmware-frame delta")
	return cmd
}

func newArmCmd(opts *rootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "arm STATE",
		Short: "Run the trajectory to travel, pick, carry or deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := harvester.ParseArmState(args[0])
			if err != nil {
				return err
			}
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				arm := sup.Arm()
				switch payload {
				case "":
				case "true", "yes", "1":
					arm.SetPayload(true)
				case "false", "no", "0":
					arm.SetPayload(false)
				default:
					return errors.Errorf("invalid --payload %q", payload)
				}
				if err := arm.ChangeState(ctx, target); err != nil {
					return err
				}
				return printJSON(arm.Status())
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Whether a plant is held (true/false)")
	return cmd
}

func newResyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Replace the position estimate with the firmware's MM reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Robot().ResyncFromFirmware(ctx); err != nil {
					return err
				}
				return printJSON(sup.Robot().Status())
			})
		},
	}
}

// missionOptions asks the operator to classify each tape on the terminal.
func missionOptions() harvester.SupervisorOptions {
	return harvester.SupervisorOptions{
		Classifier: harvester.NewPromptClassifier(os.Stdin, os.Stdout),
	}
}

func newFullStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full-start",
		Short: "Home, map crops and resources, then harvest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(missionOptions(), func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Mission().FullStart(ctx); err != nil {
					return err
				}
				return printJSON(sup.Mission().Status())
			})
		},
	}
}

func newDailyScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daily-scan",
		Short: "Run a harvest cycle over the saved crop layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(missionOptions(), func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Mission().DailyScan(ctx); err != nil {
					return err
				}
				return printJSON(sup.Mission().Status())
			})
		},
	}
}

func newResetTotalsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-totals",
		Short: "Zero the harvested and planted counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				if err := sup.Mission().ResetTotals(); err != nil {
					return err
				}
				return printJSON(sup.Mission().Status())
			})
		},
	}
}

func newRawCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "raw COMMAND",
		Short: "Send one firmware command and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSupervisor(harvester.SupervisorOptions{}, func(ctx context.Context, sup *harvester.Supervisor) error {
				reply, err := sup.Commands().Raw(ctx, args[0])
				if reply.Text != "" {
					fmt.Println(reply.Text)
				}
				return err
			})
		},
	}
}
