package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func statsCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pipeline counters from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(strings.TrimSuffix(addr, "/") + "/v1/stats")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stats: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err != nil {
				fmt.Println(strings.TrimSpace(string(body)))
				return nil
			}
			fmt.Println(pretty.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "daemon API address")
	return cmd
}
