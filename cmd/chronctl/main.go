package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	chronicle "github.com/chronicle-db/chronicled"
)

var addr string

var rootCmd = &cobra.Command{
	Use:           "chronctl",
	Short:         "Control a running chronicled daemon",
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8428", "daemon control address")

	sensorsCmd := &cobra.Command{Use: "sensors", Short: "Manage sensors"}
	sensorsCmd.AddCommand(sensorsListCmd(), sensorsCreateCmd(), sensorsStartCmd(),
		sensorsStopCmd(), sensorsRemoveCmd())
	rootCmd.AddCommand(sensorsCmd, queryCmd(), watchCmd())
}

func apiURL(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: addr, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func doJSON(method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiURL(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is chronicled running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func sensorsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sensors and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []chronicle.SensorStatus
			if err := doJSON(http.MethodGet, "/sensors", nil, nil, &statuses); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tERRORS\tLAST ERROR")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Type, s.Status, s.ErrorCount, s.LastError)
			}
			return w.Flush()
		},
	}
}

func sensorsCreateCmd() *cobra.Command {
	var sensorType, sensorID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and register a sensor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sensorType == "" {
				return fmt.Errorf("--type is required")
			}
			body := map[string]any{"type": sensorType, "id": sensorID}
			var resp map[string]string
			if err := doJSON(http.MethodPost, "/sensors", nil, body, &resp); err != nil {
				return err
			}
			fmt.Println("created", resp["id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&sensorType, "type", "", "sensor type")
	cmd.Flags().StringVar(&sensorID, "id", "", "sensor id (default: type name)")
	return cmd
}

func sensorsStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [id]",
		Short: "Start a sensor (all sensors when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("id", args[0])
			}
			return doJSON(http.MethodPost, "/sensors/start", q, nil, nil)
		},
	}
}

func sensorsStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop [id]",
		Short: "Stop a sensor (all sensors when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("id", args[0])
			}
			if force {
				q.Set("graceful", "false")
			}
			return doJSON(http.MethodPost, "/sensors/stop", q, nil, nil)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip graceful stop")
	return cmd
}

func sensorsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a sensor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"id": {args[0]}}
			return doJSON(http.MethodDelete, "/sensors", q, nil, nil)
		},
	}
}

func queryCmd() *cobra.Command {
	var id, source, start, end string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read chronicle records",
		Example: `  chronctl query --id 0190f7a2-...
  chronctl query --source window_focus
  chronctl query --start 2026-08-01T00:00:00Z --end 2026-08-23T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			switch {
			case id != "":
				q.Set("id", id)
			case source != "":
				q.Set("source", source)
			case start != "" && end != "":
				st, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				en, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				q.Set("start", fmt.Sprintf("%.6f", float64(st.UnixNano())/1e9))
				q.Set("end", fmt.Sprintf("%.6f", float64(en.UnixNano())/1e9))
			default:
				return fmt.Errorf("--id, --source, or --start/--end required")
			}

			var raw json.RawMessage
			if err := doJSON(http.MethodGet, "/records", q, nil, &raw); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return err
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record id")
	cmd.Flags().StringVar(&source, "source", "", "producer category")
	cmd.Flags().StringVar(&start, "start", "", "range start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "range end (RFC3339)")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [feed]",
		Short: "Stream live events from the daemon",
		Long: `Stream a live feed over the daemon's subscription socket.
Feeds: sensorStatus (default), logs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := chronicle.FeedSensorStatus
			if len(args) == 1 {
				feed = args[0]
			}

			ctx, cancel := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/subscribe"}
			client, err := chronicle.DialSubscription(ctx, wsURL.String())
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			_, ch, err := client.Subscribe(feed)
			if err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-client.Done():
					return client.Err()
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					fmt.Println(string(msg.Payload))
				}
			}
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
