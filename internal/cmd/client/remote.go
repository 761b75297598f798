package client

import (
	"errors"
	"fmt"

	transports "github.com/rzbill/csvsync/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

func getReader(cmd *cobra.Command, s *Settings) (transports.IngestReader, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	if url == "" && s.Config.Remote.Kind == "http" {
		url = s.Config.Remote.URL
	}
	if token == "" {
		token = s.Config.Remote.Token
	}
	if url == "" {
		return nil, errors.New("no ingest server; pass --url or configure remote.kind=http")
	}
	return transports.NewHTTPTransport(url, token), nil
}

// NewRemoteCommand constructs the `remote` command group that reads back
// what an ingest server received.
func NewRemoteCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{Use: "remote", Short: "Inspect rows held by an ingest server"}
	cmd.PersistentFlags().String("url", "", "Ingest server base URL (default: remote.url)")
	cmd.PersistentFlags().String("token", "", "Bearer token (default: remote.token)")
	cmd.AddCommand(newRemoteLogsCommand(s), newRemoteRowsCommand(s))
	return cmd
}

func newRemoteLogsCommand(s *Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "List received logs and their highest row",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := getReader(cmd, s)
			if err != nil {
				return err
			}
			logs, err := r.Logs(cmd.Context())
			if err != nil {
				return err
			}
			for _, l := range logs {
				if err := printJSON(cmd.OutOrStdout(), l); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRemoteRowsCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Print received rows of one log as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, _ := cmd.Flags().GetString("node")
			log, _ := cmd.Flags().GetString("log")
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			if node == "" || log == "" {
				return errors.New("--node and --log are required")
			}
			r, err := getReader(cmd, s)
			if err != nil {
				return err
			}
			page, err := r.Rows(cmd.Context(), transports.RowsRequest{Node: node, Log: log, From: from, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if page.Header != "" {
				fmt.Fprintln(out, page.Header)
			}
			for _, row := range page.Rows {
				fmt.Fprintln(out, row.Line)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("node", "", "Writer node id (see `csvsync status` or the node-id file)")
	f.String("log", "", "Log name as pushed")
	f.Int64("from", 1, "First row")
	f.Int("limit", 1000, "Maximum rows")
	return cmd
}
