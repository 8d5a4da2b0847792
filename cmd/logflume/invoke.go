package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func invokeCommand() *cobra.Command {
	var (
		addr    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "invoke [function]",
		Short: "Invoke a function on a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "echo"
			if len(args) > 0 {
				name = args[0]
			}

			url := fmt.Sprintf("%s/v1/invoke/%s", strings.TrimSuffix(addr, "/"), name)
			resp, err := http.Post(url, "application/json", strings.NewReader(payload))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("invoke %s: %s", name, resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "daemon API address")
	cmd.Flags().StringVar(&payload, "payload", `{"message": "hello"}`, "invocation payload (JSON)")
	return cmd
}
