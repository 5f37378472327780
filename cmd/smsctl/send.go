package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/sms/internal/api"
	"github.com/spf13/cobra"
)

var (
	sendTo      []string
	sendThread  int64
	sendChannel int
	sendAt      string
)

// draftArgs collects the shared send flags. The channel is only sent when
// given so the daemon can apply its pinned/default rules.
func draftArgs(cmd *cobra.Command, body string) (map[string]any, error) {
	if len(sendTo) == 0 && sendThread == 0 {
		return nil, fmt.Errorf("--to or --thread is required")
	}
	recipients := make([]any, len(sendTo))
	for i, r := range sendTo {
		recipients[i] = r
	}
	args := map[string]any{
		"recipients": recipients,
		"body":       body,
	}
	if sendThread != 0 {
		args["thread_id"] = strconv.FormatInt(sendThread, 10)
	}
	if cmd.Flags().Changed("channel") {
		args["subscription_id"] = sendChannel
	}
	return args, nil
}

// parseAt accepts RFC 3339, a local "2006-01-02 15:04" or a duration from now.
func parseAt(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339, \"YYYY-MM-DD HH:MM\" or a duration like 2h)", s)
}

func printSent(out map[string]any) {
	if jsonFlag {
		outputJSON(out)
		return
	}
	if m, ok := out["message"].(map[string]any); ok {
		printMessage(m)
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <body>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := draftArgs(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodSend, req)
		if err != nil {
			return err
		}
		printSent(out)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <body>...",
	Short: "Schedule a message for later",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseAt(sendAt)
		if err != nil {
			return err
		}
		req, err := draftArgs(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		req["at"] = at.Unix()
		out, err := call(cmd.Context(), api.MethodSchedule, req)
		if err != nil {
			return err
		}
		printSent(out)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <body>...",
	Short: "Change the body and time of a scheduled message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:1])
		if err != nil {
			return err
		}
		at, err := parseAt(sendAt)
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodEditScheduled, map[string]any{
			"message_id": ids[0],
			"body":       strings.Join(args[1:], " "),
			"at":         at.Unix(),
		})
		if err != nil {
			return err
		}
		printSent(out)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <message-id>",
	Short: "Cancel a scheduled message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		_, err = call(cmd.Context(), api.MethodCancelScheduled, map[string]any{"message_id": ids[0]})
		return err
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <message-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		out, err := call(cmd.Context(), api.MethodResend, map[string]any{"message_id": ids[0]})
		if err != nil {
			return err
		}
		printSent(out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, scheduleCmd} {
		c.Flags().StringSliceVar(&sendTo, "to", nil, "recipient address (repeatable)")
		c.Flags().Int64Var(&sendThread, "thread", 0, "existing thread id")
		c.Flags().IntVar(&sendChannel, "channel", 0, "subscription id to send on")
	}
	scheduleCmd.Flags().StringVar(&sendAt, "at", "", "send time")
	_ = scheduleCmd.MarkFlagRequired("at")
	editCmd.Flags().StringVar(&sendAt, "at", "", "new send time")
	_ = editCmd.MarkFlagRequired("at")

	rootCmd.AddCommand(sendCmd, scheduleCmd, editCmd, cancelCmd, resendCmd)
}
