package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/sms/internal/api"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state and cache counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), api.MethodStatus, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("Session:        %v\n", out["session"])
		fmt.Printf("State:          %v\n", out["state"])
		fmt.Printf("Uptime:         %s\n", (time.Duration(num(out["uptime_ms"])) * time.Millisecond).Round(time.Second))
		fmt.Printf("Conversations:  %d\n", num(out["conversations"]))
		fmt.Printf("Messages:       %d\n", num(out["messages"]))
		fmt.Printf("Runs:           %d\n", num(out["run_count"]))
		fmt.Printf("Recycle bin:    %v\n", out["recycle_bin"])
		if n := num(out["dropped_events"]); n > 0 {
			fmt.Printf("Dropped events: %d\n", n)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reconcile the cache against the external store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), api.MethodRefresh, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("%d conversations: %d inserted, %d updated, %d deleted, %d merged, %d imported\n",
			num(out["conversations"]), num(out["inserted"]), num(out["updated"]),
			num(out["deleted"]), num(out["merged"]), num(out["imported"]))
		if out["stale"] == true {
			fmt.Println("warning: external store was unavailable, cache is stale")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		c, _, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = c.Watch(ctx, prefix, func() {
			fmt.Fprintln(os.Stderr, "watching events, press Ctrl-C to stop")
		}, func(evt map[string]any) bool {
			if jsonFlag {
				outputJSON(evt)
				return true
			}
			ts := time.UnixMilli(num(evt["ts_ms"])).Format("15:04:05.000")
			fmt.Printf("%s %-28v %v\n", ts, evt["kind"], evt["payload"])
			return true
		})
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, refreshCmd, watchCmd)
}
