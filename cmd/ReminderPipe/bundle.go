package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

func newBundleCmd(c *cli) *cobra.Command {
	var homeID, homeName string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Print the home trigger list built from every stored trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := c.cfg.Home
			if homeID != "" {
				home.HomeID = homeID
			}
			if homeName != "" {
				home.HomeName = homeName
			}

			st, err := store.Open(c.cfg.StoreDSN())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			recs, err := st.ListTriggers(cmd.Context())
			if err != nil {
				return err
			}
			machines := make([]models.TriggerMachine, 0, len(recs))
			for _, rec := range recs {
				machines = append(machines, rec.Machine)
			}
			list, err := compiler.BuildHomeTriggerList(home, machines)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&homeID, "home-id", "", "home id (overrides config)")
	cmd.Flags().StringVar(&homeName, "home-name", "", "home name (overrides config)")
	return cmd
}
