package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/wstm/internal/store"
)

// ProfileOptions holds flags for the profile command.
type ProfileOptions struct {
	*RootOptions
	Session string // session id; defaults to the latest
	Top     int    // number of hot vars to show
	List    bool   // list sessions instead of reporting
}

// NewProfileCommand creates the profile command.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profile <db>",
		Short: "Show a recorded conflict profile",
		Long: `Show the conflict profile recorded by "stm run --profile-db" or
"stm bench --profile-db": transaction outcomes, per-label statistics and the
variables that caused the most conflicts.

Examples:
  stm profile ./profile.db
  stm profile ./profile.db --list
  stm profile ./profile.db --session 0190a6c2-... --top 5 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (default: latest)")
	cmd.Flags().IntVar(&opts.Top, "top", 10, "number of hot variables to show (0 for all)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list recorded sessions")

	return cmd
}

func runProfile(opts *ProfileOptions, dbPath string, cmd *cobra.Command) error {
	// store.Open creates missing databases; a profile needs an existing one.
	if _, err := os.Stat(dbPath); err != nil {
		return WrapExitError(ExitCommandError, "profile database not found", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open profile database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	out := opts.formatter(cmd)

	if opts.List {
		sessions, err := st.ReadSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read sessions", err)
		}
		if opts.Format == "json" {
			return out.Success(sessions)
		}
		writeSessions(cmd.OutOrStdout(), sessions)
		return nil
	}

	var (
		sess  store.Session
		found bool
	)
	if opts.Session != "" {
		sess, found, err = st.ReadSession(ctx, opts.Session)
	} else {
		sess, found, err = st.LatestSession(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}
	if !found {
		if opts.Session != "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", opts.Session))
		}
		return NewExitError(ExitCommandError, "no sessions recorded")
	}

	report, err := st.ReadReport(ctx, sess, opts.Top)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read report", err)
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{
			Status:  "ok",
			Data:    report,
			Session: sess.ID,
		})
	}
	writeReport(cmd.OutOrStdout(), report)
	return nil
}

func writeSessions(w io.Writer, sessions []store.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.StartedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

// writeReport renders a conflict profile as text. Counts use thousands
// separators.
func writeReport(w io.Writer, r store.Report) {
	p := message.NewPrinter(language.English)

	fmt.Fprintf(w, "Session %s (%s), started %s\n", r.Session.ID, r.Session.Name, r.Session.StartedAt.Format(time.RFC3339))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Outcomes")
	if len(r.Outcomes) == 0 {
		fmt.Fprintln(w, "  (no transactions)")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
		for _, o := range r.Outcomes {
			p.Fprintf(tw, "  %s\t%d\t\n", o.Outcome, o.Count)
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Labels")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "  LABEL\tTX\tCOMMITTED\tATTEMPTS\tCONFLICTS\tRETRIES\tLOCKED\tAVG\t")
	for _, l := range r.Labels {
		label := l.Label
		if label == "" {
			label = "-"
		}
		p.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
			label, l.Transactions, l.Committed, l.Attempts, l.Conflicts, l.Retries, l.RunLocked,
			l.AvgDuration.Round(time.Microsecond).String())
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Hot variables")
	if len(r.HotVars) == 0 {
		fmt.Fprintln(w, "  (no conflicts)")
		return
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "  VAR\tID\tCONFLICTS\tTX\t")
	for _, v := range r.HotVars {
		name := v.Name
		if name == "" {
			name = "-"
		}
		p.Fprintf(tw, "  %s\t%d\t%d\t%d\t\n", name, v.ID, v.Conflicts, v.Transactions)
	}
	tw.Flush()
}
