package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// compileInput is the document read by the compile command.
type compileInput struct {
	State      json.RawMessage              `json:"state"`
	Code       json.RawMessage              `json:"code"`
	Transcript []models.ConversationMessage `json:"transcript"`
	Sequence   int                          `json:"sequence"`
}

func newCompileCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "compile INPUT.json",
		Short: "Compile a finished conversation state and predicate code into a trigger",
		Long: "Reads {\"state\", \"code\", \"transcript\", \"sequence\"} (\"-\" for stdin) and prints the " +
			"validated TriggerMachine. Compile issues go to stderr.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var in compileInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("%w: %v", models.ErrSchemaValidation, err)
			}
			state, err := models.DecodeConversationState(in.State)
			if err != nil {
				return err
			}
			code, err := codegen.DecodeGeneratedCode(in.Code)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(c.cfg.CatalogFile)
			if err != nil {
				return err
			}
			comp, err := compiler.NewCompiler(cat)
			if err != nil {
				return err
			}
			res, err := comp.Compile(cmd.Context(), compiler.Request{
				State:      state,
				Code:       code,
				Transcript: in.Transcript,
				Sequence:   in.Sequence,
			})
			if err != nil {
				return err
			}
			for _, issue := range res.Issues {
				fmt.Fprintln(cmd.ErrOrStderr(), "issue:", issue)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(res.JSON))
			return err
		},
	}
}
