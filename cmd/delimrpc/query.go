package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/delimrpc"
	"github.com/Zereker/delimrpc/internal/config"
	"github.com/Zereker/delimrpc/message"
)

var queryFlags struct {
	queryType string
	ids       []int64
	merge     bool
	hide      bool
	extra     string
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Authenticate, send one query and print the response",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQuery(queryFlags.queryType, queryFlags.ids, queryFlags.merge, queryFlags.hide, queryFlags.extra)
		if err != nil {
			return err
		}
		return runQuery(cmd.Context(), cfg.Client, q, cmd.OutOrStdout())
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVarP(&queryFlags.queryType, "type", "t", "select", "query type: insert, select or delete")
	f.Int64SliceVar(&queryFlags.ids, "ids", nil, "event ids")
	f.BoolVar(&queryFlags.merge, "merge", false, "merge inserted events into stored ones")
	f.BoolVar(&queryFlags.hide, "hide", false, "mark inserted events hidden")
	f.StringVar(&queryFlags.extra, "extra", "", "JSON attached to inserted events")
}

func parseQueryType(s string) (message.QueryType, error) {
	switch strings.ToLower(s) {
	case "insert":
		return message.QueryInsert, nil
	case "select":
		return message.QuerySelect, nil
	case "delete":
		return message.QueryDelete, nil
	default:
		return 0, errors.Errorf("unknown query type %q", s)
	}
}

func buildQuery(typ string, ids []int64, merge, hide bool, extra string) (*message.Query, error) {
	t, err := parseQueryType(typ)
	if err != nil {
		return nil, err
	}

	q := &message.Query{Type: t, WithMerge: merge}
	for _, id := range ids {
		q.Events = append(q.Events, &message.Event{ID: id, Hide: hide, Extra: extra})
	}
	return q, nil
}

// runQuery authenticates with cc and writes the response to q as YAML.
func runQuery(ctx context.Context, cc config.ClientConfig, q *message.Query, out io.Writer) error {
	client, err := delimrpc.Dial(ctx, cc.Host, cc.Port,
		delimrpc.ClientLoggerOption(logger),
		delimrpc.ClientDialTimeoutOption(cc.DialTimeout.Duration),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Authenticate(cc.User, cc.Pass)
	if err != nil {
		return err
	}
	if resp.Status != message.StatusOK {
		return errors.Errorf("authentication failed: %s: %s", resp.Status, resp.Emsg)
	}

	resp, err = client.Execute(q)
	if err != nil {
		return err
	}
	return writeResponse(out, resp)
}

type eventView struct {
	ID         int64  `yaml:"id"`
	DeviceHash int64  `yaml:"device_hash,omitempty"`
	DeviceDT   int64  `yaml:"device_dt,omitempty"`
	Hide       bool   `yaml:"hide,omitempty"`
	Extra      string `yaml:"extra,omitempty"`
}

type responseView struct {
	Status string      `yaml:"status"`
	Emsg   string      `yaml:"emsg,omitempty"`
	Events []eventView `yaml:"events,omitempty"`
}

func writeResponse(w io.Writer, resp *message.Response) error {
	view := responseView{Status: resp.Status.String(), Emsg: resp.Emsg}
	for _, ev := range resp.Events {
		view.Events = append(view.Events, eventView(*ev))
	}

	b, err := yaml.Marshal(view)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, string(b))
	return err
}
