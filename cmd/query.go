package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/navgraph"
)

func newAppsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	appsCmd := &cobra.Command{
		Use:   "apps",
		Short: "Lists the apps that have been learned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			apps, err := svc.LearnedApps(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), apps)
			}
			if len(apps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No apps learned yet.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "APP\tVERSION\tSCREENS\tELEMENTS\tCOMMANDS\tUPDATED")
			for _, a := range apps {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
					a.AppID, a.AppVersion, a.Screens, a.Identities, a.Aliases, a.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	appsCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return appsCmd
}

func newCommandsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	commandsCmd := &cobra.Command{
		Use:   "commands <app>",
		Short: "Lists the phrases that address elements of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			aliases := svc.CommandsForApp(args[0])
			sort.SliceStable(aliases, func(i, j int) bool { return aliases[i].Phrase < aliases[j].Phrase })
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), aliases)
			}
			if len(aliases) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No commands known for %s.\n", args[0])
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "PHRASE\tSOURCE\tELEMENT\tTYPE")
			for _, al := range aliases {
				ident, _ := svc.Identity(al.IdentityID)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", al.Phrase, al.Source, shortID(al.IdentityID), ident.Type)
			}
			return tw.Flush()
		},
	}
	commandsCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return commandsCmd
}

func newAliasCmd(opts *rootOptions) *cobra.Command {
	aliasCmd := &cobra.Command{
		Use:   "alias",
		Short: "Manages user defined phrases",
	}
	aliasCmd.AddCommand(&cobra.Command{
		Use:   "add <app> <element-id> <phrase...>",
		Short: "Adds a phrase for a learned element",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			alias, err := svc.RegisterCommand(cmd.Context(), strings.Join(args[2:], " "), args[1], args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q for %s.\n", alias.Phrase, alias.IdentityID)
			return nil
		},
	})
	return aliasCmd
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	resolveCmd := &cobra.Command{
		Use:   "resolve <app> <phrase...>",
		Short: "Ranks the elements a phrase may refer to",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			candidates := svc.Resolve(strings.Join(args[1:], " "), args[0])
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), candidates)
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No match.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SCORE\tMATCH\tPHRASE\tELEMENT\tTYPE\tPATH")
			for _, c := range candidates {
				ident, _ := svc.Identity(c.IdentityID)
				match := "fuzzy"
				if c.Exact {
					match = "exact"
				}
				fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\t%s\t%s\n",
					c.Score, match, c.Phrase, c.IdentityID, ident.Type, ident.AncestorPath)
			}
			return tw.Flush()
		},
	}
	resolveCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return resolveCmd
}

func newGraphCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	graphCmd := &cobra.Command{
		Use:   "graph <app>",
		Short: "Prints the navigation graph of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			graph := svc.Graph(args[0])
			navgraph.SortEdges(graph.Edges)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), graph)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d screens, %d edges\n", args[0], len(graph.Screens), len(graph.Edges))
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "FROM\tTO\tTRIGGER")
			for _, e := range graph.Edges {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(string(e.From)), shortID(string(e.To)), describeTrigger(svc.Identity, e.Trigger))
			}
			return tw.Flush()
		},
	}
	graphCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return graphCmd
}

// describeTrigger shows an edge trigger with the element's visible name when
// the trigger is an identity id.
func describeTrigger(lookup func(string) (schemas.ElementIdentity, bool), trigger string) string {
	ident, ok := lookup(trigger)
	if !ok {
		return trigger
	}
	name := ident.Text
	if name == "" {
		name = ident.Label
	}
	if name == "" {
		name = ident.ResourceTag
	}
	return fmt.Sprintf("%s %q", ident.Type, name)
}
