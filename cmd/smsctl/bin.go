package main

import (
	"fmt"
	"strconv"

	"github.com/matheus3301/sms/internal/api"
	"github.com/spf13/cobra"
)

var (
	deleteThread int64
	binThread    int64
)

var deleteCmd = &cobra.Command{
	Use:   "delete [message-id]...",
	Short: "Delete messages, or a whole conversation with --thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		switch {
		case len(args) > 0:
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			req["message_ids"] = ids
		case deleteThread != 0:
			req["thread_id"] = strconv.FormatInt(deleteThread, 10)
		default:
			return fmt.Errorf("message ids or --thread is required")
		}
		_, err := call(cmd.Context(), api.MethodDelete, req)
		return err
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <message-id>...",
	Short: "Restore messages from the recycle bin",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		_, err = call(cmd.Context(), api.MethodRestore, map[string]any{"message_ids": ids})
		return err
	},
}

var binCmd = &cobra.Command{
	Use:   "bin",
	Short: "Inspect or empty the recycle bin",
}

func binArgs() map[string]any {
	if binThread == 0 {
		return nil
	}
	return map[string]any{"thread_id": strconv.FormatInt(binThread, 10)}
}

var binListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recycled messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), api.MethodListRecycleBin, binArgs())
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		msgs := list(out["messages"])
		if len(msgs) == 0 {
			fmt.Println("Recycle bin is empty.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var binEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Permanently delete recycled messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), api.MethodEmptyRecycleBin, binArgs())
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("Removed %d messages\n", num(out["removed"]))
		return nil
	},
}

func init() {
	deleteCmd.Flags().Int64Var(&deleteThread, "thread", 0, "delete the whole conversation")
	binCmd.PersistentFlags().Int64Var(&binThread, "thread", 0, "limit to one thread")
	binCmd.AddCommand(binListCmd, binEmptyCmd)
	rootCmd.AddCommand(deleteCmd, restoreCmd, binCmd)
}
