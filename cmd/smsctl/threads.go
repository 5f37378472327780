package main

import (
	"fmt"
	"strconv"

	"github.com/matheus3301/sms/internal/api"
	"github.com/spf13/cobra"
)

var (
	listArchived   bool
	threadMarkRead bool
	searchLimit    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations in display order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), api.MethodListConversations, map[string]any{"archived": listArchived})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		convs := list(out["conversations"])
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			flags := ""
			if c["pinned"] == true {
				flags += "P"
			}
			if c["read"] != true {
				flags += "*"
			}
			fmt.Printf("%-20d %-2s %s  %-24v %v\n", num(c["thread_id"]), flags,
				formatDate(num(c["date"])), clean(c["title"]), clean(c["snippet"]))
		}
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show the loaded window of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodGetThread, map[string]any{
			"thread_id": strconv.FormatInt(id, 10),
			"mark_read": threadMarkRead,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		if conv, ok := out["conversation"].(map[string]any); ok {
			fmt.Printf("== %v ==\n", conv["title"])
		}
		fmt.Print(out["text"])
		if out["all_fetched"] != true {
			fmt.Println("(older messages available: smsctl older " + args[0] + ")")
		}
		return nil
	},
}

var olderCmd = &cobra.Command{
	Use:   "older <thread-id>",
	Short: "Load the next page of older messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodLoadOlder, map[string]any{"thread_id": ids[0]})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("Loaded %d, %d in window", num(out["loaded"]), num(out["total"]))
		if out["all_fetched"] == true {
			fmt.Print(", start of thread reached")
		}
		fmt.Println()
		return nil
	},
}

var jumpCmd = &cobra.Command{
	Use:   "jump <thread-id> <message-id>",
	Short: "Page back until a message is in the window",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodJumpTo, map[string]any{"thread_id": ids[0], "message_id": ids[1]})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		if out["found"] != true {
			return fmt.Errorf("message %s not found in thread %s", args[1], args[0])
		}
		fmt.Printf("Found, %d messages in window\n", num(out["total"]))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Mark a thread read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		_, err = call(cmd.Context(), api.MethodMarkRead, map[string]any{"thread_id": ids[0]})
		return err
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over cached messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := call(cmd.Context(), api.MethodSearch, map[string]any{"query": args[0], "limit": searchLimit})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		results := list(out["results"])
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			m, _ := r["message"].(map[string]any)
			fmt.Printf("%-20d %-20d %s  %v\n", num(m["thread_id"]), num(m["id"]), formatDate(num(m["date"])), clean(r["snippet"]))
		}
		if out["has_more"] == true {
			fmt.Println("(more results, raise --limit)")
		}
		return nil
	},
}

// flagCommand builds a set/unset pair such as archive and unarchive.
func flagCommand(use, short, method, key string, value bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <thread-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			_, err = call(cmd.Context(), method, map[string]any{"thread_id": ids[0], key: value})
			return err
		},
	}
}

func init() {
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "list archived conversations")
	threadCmd.Flags().BoolVar(&threadMarkRead, "mark-read", false, "mark unread messages read")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum results")

	rootCmd.AddCommand(listCmd, threadCmd, olderCmd, jumpCmd, readCmd, searchCmd,
		flagCommand("archive", "Archive a conversation", api.MethodArchive, "archived", true),
		flagCommand("unarchive", "Unarchive a conversation", api.MethodArchive, "archived", false),
		flagCommand("pin", "Pin a conversation", api.MethodPin, "pinned", true),
		flagCommand("unpin", "Unpin a conversation", api.MethodPin, "pinned", false),
	)
}
