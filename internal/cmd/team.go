package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/3leaps/gofielding/pkg/ledger"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage competing teams",
}

var teamAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamAdd,
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE:  runTeamList,
}

func init() {
	rootCmd.AddCommand(teamCmd)
	teamCmd.AddCommand(teamAddCmd)
	teamCmd.AddCommand(teamListCmd)

	teamAddCmd.Flags().Bool("json", false, "Output as JSON")
	teamListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runTeamAdd(cmd *cobra.Command, args []string) error {
	if err := requireWritable("team add"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := ledger.CreateTeam(ctx, s.db, args[0])
	if err != nil {
		return ledgerExit("Failed to create team", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, t)
	}
	_, _ = fmt.Fprintf(out, "team_id=%d name=%s\n", t.ID, t.Name)
	return nil
}

func runTeamList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	teams, err := ledger.ListTeams(ctx, s.db)
	if err != nil {
		return ledgerExit("Failed to list teams", err)
	}
	out := cmd.OutOrStdout()
	if len(teams) == 0 {
		_, _ = fmt.Fprintln(out, "No teams found")
		return nil
	}
	if jsonOutput {
		return printJSON(out, teams)
	}
	return renderTeams(out, teams, s.cfg.Team.SelfName)
}

func renderTeams(out io.Writer, teams []ledger.Team, selfName string) error {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "TEAM ID\tNAME\tSELF")
	for _, t := range teams {
		self := "no"
		if t.Name == selfName {
			self = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, t.Name, self)
	}
	return w.Flush()
}
