package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/delimrpc"
	"github.com/Zereker/delimrpc/internal/config"
	"github.com/Zereker/delimrpc/message"
)

var loadFlags struct {
	clients int
	queries int
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Insert events through concurrent async clients and check response order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoad(cmd.Context(), cfg.Client, loadFlags.clients, loadFlags.queries, cmd.OutOrStdout())
	},
}

func init() {
	loadCmd.Flags().IntVar(&loadFlags.clients, "clients", 4, "number of concurrent clients")
	loadCmd.Flags().IntVar(&loadFlags.queries, "queries", 1000, "queries per client")
}

// loadRun drives one async client through its queries and checks that each
// response echoes the id that was sent.
type loadRun struct {
	mu       sync.Mutex
	next     int64
	last     int64
	answered int
	err      error
}

func (r *loadRun) onResponse(resp *message.Response, client *delimrpc.AsyncClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !client.Connected() {
		r.err = errors.Errorf("authentication failed: %s: %s", resp.Status, resp.Emsg)
		return
	}

	// The first response is the one to Auth.
	if r.answered > 0 || len(resp.Events) > 0 {
		ids := resp.IDs()
		if len(ids) != 1 || ids[0] != r.next-1 {
			r.err = errors.Errorf("response %v out of order, want id %d", ids, r.next-1)
			return
		}
	}
	r.answered++

	if r.next > r.last {
		return
	}
	id := r.next
	r.next++
	if err := client.Execute(&message.Query{
		Type:   message.QueryInsert,
		Events: []*message.Event{{ID: id, DeviceDT: time.Now().Unix()}},
	}); err != nil {
		r.err = err
	}
}

func runLoad(ctx context.Context, cc config.ClientConfig, clients, queries int, out io.Writer) error {
	if clients <= 0 || queries <= 0 {
		return errors.New("clients and queries must be positive")
	}

	auth := &message.Auth{User: cc.User, Pass: cc.Pass}
	runs := make([]*loadRun, clients)
	started := time.Now()

	var wg sync.WaitGroup
	for i := range runs {
		first := int64(i*queries) + 1
		run := &loadRun{next: first, last: first + int64(queries) - 1}
		runs[i] = run

		c := delimrpc.StartAsync(ctx, cc.Host, cc.Port, auth, run.onResponse,
			delimrpc.ClientLoggerOption(logger),
			delimrpc.ClientDialTimeoutOption(cc.DialTimeout.Duration),
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Wait(); err != nil {
				run.mu.Lock()
				if run.err == nil {
					run.err = err
				}
				run.mu.Unlock()
			}
			c.Stop()
		}()
	}
	wg.Wait()
	elapsed := time.Since(started)

	var total int
	for i, run := range runs {
		if run.err != nil {
			return errors.Wrapf(run.err, "client %d", i)
		}
		// Minus the auth response.
		if n := run.answered - 1; n != queries {
			return errors.Errorf("client %d: %d of %d queries answered", i, n, queries)
		}
		total += queries
	}

	_, err := fmt.Fprintf(out, "%d queries over %d clients in %s (%.0f/s)\n",
		total, clients, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	return err
}
