package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taskcal/internal/store"
)

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks in the store file",
	}
	cmd.AddCommand(newTaskCreateCmd(opts), newTaskListCmd(opts), newTaskDeleteCmd(opts))
	return cmd
}

func openStore(opts *rootOptions) (*store.FileStore, error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return store.NewFileStore(cfg.StorePath), nil
}

func newTaskCreateCmd(opts *rootOptions) *cobra.Command {
	var conversation, prompt, veventPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled task",
		Long: `Create a scheduled task.

Examples:
  taskcal task create --conversation c-42 --prompt "daily summary" --vevent ./daily.ics
  printf 'BEGIN:VEVENT\nDTSTART:20250101T090000Z\nEND:VEVENT\n' | taskcal task create --conversation c-42 --prompt hi --vevent -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vevent, err := readVEvent(veventPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			task, err := st.Create(cmd.Context(), store.CreateRequest{
				ConversationID: conversation,
				UserPrompt:     prompt,
				ScheduleVEvent: vevent,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id that receives the prompt")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&veventPath, "vevent", "", "VEVENT file, or - for stdin")
	return cmd
}

func newTaskListCmd(opts *rootOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			tasks, err := st.List(cmd.Context(), conversation)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "only list tasks for this conversation")
	return cmd
}

func newTaskDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			if err := st.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
