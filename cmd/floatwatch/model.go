package main

import (
	"github.com/spf13/cobra"

	"github.com/sawpanic/floatwatch/internal/model"
)

func newModelCmd() *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Classifier artifact tools",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Load a model artifact and print its layers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.Model.Path
			if len(args) == 1 {
				dir = args[0]
			}

			net, err := model.Load(dir)
			if err != nil {
				return err
			}
			printf(cmd, "artifact: %s\n", dir)
			printf(cmd, "input: %d  output: %d  softmax head: %v\n", net.InputSize, net.OutputSize, net.EndsWithSoftmax())
			for _, l := range net.Describe() {
				printf(cmd, "  %s\n", l)
			}
			return nil
		},
	}

	modelCmd.AddCommand(inspectCmd)
	return modelCmd
}
