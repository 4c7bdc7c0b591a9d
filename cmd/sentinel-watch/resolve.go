package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	redisfailover "github.com/raniellyferreira/redis-failover"
	"github.com/raniellyferreira/redis-failover/resolver"
	"github.com/raniellyferreira/redis-failover/sentinel"
)

func runResolve(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	client, err := redisfailover.New(clientOptions(c, log)...)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	topo, err := client.Monitor().Resolve(ctx)
	if err != nil {
		return err
	}
	groups, err := client.Monitor().Groups(ctx)
	if err != nil {
		return err
	}
	return printResolve(cmd.OutOrStdout(), c.MasterName, topo, groups)
}

func printResolve(out io.Writer, name string, topo resolver.Topology, groups []sentinel.GroupInfo) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "GROUP\tROLE\tADDRESS\n")
	for _, ep := range topo.Masters {
		fmt.Fprintf(tw, "%s\tmaster\t%s\n", name, ep.Addr())
	}
	for _, ep := range topo.Replicas {
		fmt.Fprintf(tw, "%s\treplica\t%s\n", name, ep.Addr())
	}
	if len(groups) > 0 {
		fmt.Fprintf(tw, "\nMONITORED\tMASTER\tREPLICAS\tQUORUM\tFLAGS\n")
		for _, g := range groups {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", g.Name, g.Addr, g.NumReplicas, g.Quorum, g.Flags)
		}
	}
	return tw.Flush()
}
