package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwarren/bugtrack/internal/lifecycle"
	"github.com/mwarren/bugtrack/internal/models"
	"github.com/mwarren/bugtrack/internal/output"
	"github.com/mwarren/bugtrack/internal/store"
)

var (
	bugName     string
	bugDesc     string
	bugSeverity string
	bugPriority string
	bugAssign   string
	bugSteps    []string
	bugAs       string

	// pflag writes each flag's default into the bound var at
	// registration, so list filters cannot share vars with add's flags.
	bugFilterSeverity string
	bugFilterPriority string
	bugFilterStatus   string
	bugFilterSearch   string
)

var bugCmd = &cobra.Command{
	Use:   "bug",
	Short: "Manage bug reports",
	Long:  "Report, list, and update bugs and their reproduction steps.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugListRun()
	},
}

var bugAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Report a new bug",
	Long:  "Report a new bug, optionally with reproduction steps (--step, repeatable, in order).",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugAddRun()
	},
}

var bugListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List bugs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugListRun()
	},
}

var bugShowCmd = &cobra.Command{
	Use:   "show <bug-id>",
	Short: "Show bug details with reproduction steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugShowRun(args[0])
	},
}

var bugStatusCmd = &cobra.Command{
	Use:   "status <bug-id> <status>",
	Short: "Change a bug's status",
	Long:  "Change a bug's status. Resolved and Closed stamp the closing date; any other status clears it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugStatusRun(args[0], args[1])
	},
}

var bugDeleteCmd = &cobra.Command{
	Use:     "delete <bug-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a bug and its steps",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugDeleteRun(args[0])
	},
}

func init() {
	bugAddCmd.Flags().StringVar(&bugName, "name", "", "Bug name (required)")
	bugAddCmd.Flags().StringVar(&bugDesc, "desc", "", "Bug description (required)")
	bugAddCmd.Flags().StringVar(&bugSeverity, "severity", "Minor", "Severity: Trivial, Minor, Major, Critical")
	bugAddCmd.Flags().StringVar(&bugPriority, "priority", "Medium", "Priority: Low, Medium, High")
	bugAddCmd.Flags().StringVar(&bugAssign, "assign", "", "Username to assign the bug to")
	bugAddCmd.Flags().StringArrayVar(&bugSteps, "step", nil, "Reproduction step (repeatable, in order)")
	bugAddCmd.Flags().StringVar(&bugAs, "as", "", "Acting username (required)")
	_ = bugAddCmd.MarkFlagRequired("name")
	_ = bugAddCmd.MarkFlagRequired("desc")
	_ = bugAddCmd.MarkFlagRequired("as")

	bugListCmd.Flags().StringVar(&bugFilterSeverity, "severity", "", "Filter by severity")
	bugListCmd.Flags().StringVar(&bugFilterPriority, "priority", "", "Filter by priority")
	bugListCmd.Flags().StringVar(&bugFilterStatus, "status", "", "Filter by status")
	bugListCmd.Flags().StringVar(&bugFilterSearch, "search", "", "Search name, description, and usernames")

	bugDeleteCmd.Flags().StringVar(&bugAs, "as", "", "Acting username (required, must be the bug's creator)")
	_ = bugDeleteCmd.MarkFlagRequired("as")

	bugCmd.AddCommand(bugAddCmd)
	bugCmd.AddCommand(bugListCmd)
	bugCmd.AddCommand(bugShowCmd)
	bugCmd.AddCommand(bugStatusCmd)
	bugCmd.AddCommand(bugDeleteCmd)
	rootCmd.AddCommand(bugCmd)
}

func bugAddRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	actor, err := s.GetUserByUsername(ctx, bugAs)
	if err != nil {
		return fmt.Errorf("unknown user %q (create with 'bugtrack user add')", bugAs)
	}

	fields := store.BugFields{
		Name:        bugName,
		Description: bugDesc,
		Severity:    models.Severity(bugSeverity),
		Priority:    models.Priority(bugPriority),
	}
	if bugAssign != "" {
		assignee, err := s.GetUserByUsername(ctx, bugAssign)
		if err != nil {
			return fmt.Errorf("unknown assignee %q", bugAssign)
		}
		fields.AssignedTo = assignee.ID
	}

	coord := lifecycle.New(s)
	b, err := coord.CreateBugWithSteps(ctx, actor.ID, fields, bugSteps)
	if err != nil {
		return fmt.Errorf("create bug: %w", err)
	}

	ui.Success("Created bug %s: %s", output.Cyan(shortID(b.ID)), b.Name)
	if len(bugSteps) > 0 {
		ui.Info("Recorded %d reproduction step(s)", len(bugSteps))
	}
	return nil
}

func bugListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.BugListFilter{
		Severity: models.Severity(bugFilterSeverity),
		Priority: models.Priority(bugFilterPriority),
		Status:   models.BugStatus(bugFilterStatus),
		Search:   bugFilterSearch,
	}

	bugs, err := s.ListBugs(ctx, filter)
	if err != nil {
		return err
	}

	if len(bugs) == 0 {
		ui.Info("No bugs found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Severity", "Priority", "Status", "Reporter", "Assignee"})
	for _, b := range bugs {
		_ = table.Append([]string{
			shortID(b.ID),
			b.Name,
			output.SeverityColor(string(b.Severity)),
			string(b.Priority),
			output.StatusColor(string(b.Status)),
			b.CreatorName,
			b.AssigneeName,
		})
	}
	_ = table.Render()
	return nil
}

func bugShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	b, err := findBug(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(b.ID)), b.Name)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(b.Status)))
	fmt.Fprintf(ui.Out, "  Severity:   %s\n", output.SeverityColor(string(b.Severity)))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", b.Priority)
	fmt.Fprintf(ui.Out, "  Reporter:   %s\n", b.CreatorName)
	if b.AssigneeName != "" {
		fmt.Fprintf(ui.Out, "  Assignee:   %s\n", b.AssigneeName)
	}
	fmt.Fprintf(ui.Out, "  Desc:       %s\n", b.Description)
	fmt.Fprintf(ui.Out, "  Created:    %s\n", b.CreatedAt.Format(time.RFC3339))
	if b.ClosedAt != nil {
		fmt.Fprintf(ui.Out, "  Closed:     %s\n", b.ClosedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", b.ID)

	steps, err := s.ListSteps(ctx, b.ID)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Steps to reproduce:")
		for i, st := range steps {
			fmt.Fprintf(ui.Out, "    %d. %s\n", i+1, st.Description)
		}
	}

	return nil
}

func bugStatusRun(id, status string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	b, err := findBug(ctx, s, id)
	if err != nil {
		return err
	}

	coord := lifecycle.New(s)
	if err := coord.TransitionStatus(ctx, b.ID, models.BugStatus(status)); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	ui.Success("Bug %s is now %s", output.Cyan(shortID(b.ID)), output.StatusColor(status))
	return nil
}

func bugDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	actor, err := s.GetUserByUsername(ctx, bugAs)
	if err != nil {
		return fmt.Errorf("unknown user %q", bugAs)
	}

	b, err := findBug(ctx, s, id)
	if err != nil {
		return err
	}

	coord := lifecycle.New(s)
	if err := coord.DeleteBug(ctx, actor.ID, b.ID); err != nil {
		return fmt.Errorf("delete bug: %w", err)
	}

	ui.Success("Deleted bug %s: %s", output.Cyan(shortID(b.ID)), b.Name)
	return nil
}

// findBug finds a bug by full ID or unique prefix match.
func findBug(ctx context.Context, s store.Store, id string) (*models.Bug, error) {
	// Try exact match first
	if b, err := s.GetBug(ctx, id); err == nil {
		return b, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	bugs, err := s.ListBugs(ctx, store.BugListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Bug
	for _, b := range bugs {
		if strings.HasPrefix(b.ID, upper) {
			matches = append(matches, b)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("bug not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous bug ID %s: matches %d bugs", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
