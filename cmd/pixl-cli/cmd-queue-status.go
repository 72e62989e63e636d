package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

type queueStatusCmd struct{}

func (cmd *queueStatusCmd) Run(opts *globalOptions) error {
	client := newAdminClient(opts.settings)
	ctx := context.Background()

	status, err := client.statusQueues(ctx)
	if err != nil {
		return err
	}
	rates, err := client.tokenBuckets(ctx)
	if err != nil {
		return err
	}

	qt := table.NewWriter()
	qt.AppendHeader(table.Row{"queue", "messages", "consumers"})
	for _, q := range status.Queues {
		qt.AppendRows([]table.Row{
			{q.Name, q.Messages, q.Consumers},
		})
	}
	fmt.Println(qt.Render())

	rt := table.NewWriter()
	rt.AppendHeader(table.Row{"source", "rate", "burst"})
	for _, r := range rates {
		rt.AppendRows([]table.Row{
			{r.Source, r.Rate, r.Burst},
		})
	}
	fmt.Println(rt.Render())

	if len(status.Ledger) == 0 {
		return nil
	}
	lt := table.NewWriter()
	lt.AppendHeader(table.Row{"project", "state", "count"})
	for _, c := range status.Ledger {
		lt.AppendRows([]table.Row{
			{c.Project, c.State, c.Count},
		})
	}
	fmt.Println(lt.Render())
	return nil
}
