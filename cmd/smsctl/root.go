package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/matheus3301/sms/internal/client"
	"github.com/matheus3301/sms/internal/config"
	"github.com/matheus3301/sms/internal/session"
	"github.com/spf13/cobra"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "smsctl",
	Short:         "Control a running smsd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "per-call timeout")
}

func connect() (*client.Client, string, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, "", err
	}
	name, err := session.Resolve(sessionFlag, cfg)
	if err != nil {
		return nil, "", err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return nil, "", fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, name, nil
}

// call runs one method against the session daemon. Rejections come back
// with the daemon's message only.
func call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	c, _, err := connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()
	out, err := c.Call(ctx, method, args)
	if err != nil {
		if st, ok := grpcstatus.FromError(err); ok {
			return nil, fmt.Errorf("%s", st.Message())
		}
		return nil, err
	}
	return out, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		// Decimal strings keep large ids exact.
		out[i] = strconv.FormatInt(id, 10)
	}
	return out, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

// num reads a reply number as an int64.
func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func list(v any) []map[string]any {
	raw, _ := v.([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, x := range raw {
		if m, ok := x.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func formatDate(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}

func printMessage(m map[string]any) {
	marker := " "
	if m["scheduled"] == true {
		marker = "@"
	}
	fmt.Printf("%s %-20d %s %-7s %s\n", marker, num(m["id"]), formatDate(num(m["date"])), m["type"], clean(m["body"]))
}
