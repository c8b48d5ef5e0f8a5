package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check SLOTS.json",
		Short: "Evaluate reminder slots against the detectability catalog",
		Long:  "Reads a slots document (\"-\" for stdin), prints the feasibility outcome and fails when the reminder cannot be detected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			slots, err := models.DecodeSlots(data)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(c.cfg.CatalogFile)
			if err != nil {
				return err
			}
			out := feasibility.NewEvaluator(cat).Check(slots)
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Feasibility.Feasible() {
				return fmt.Errorf("%w: %s", models.ErrNotFeasible, strings.Join(out.Feasibility.Issues, "; "))
			}
			return nil
		},
	}
}

// readInput reads a file argument, or stdin for "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
