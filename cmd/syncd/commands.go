package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
)

// =====================================================
// sync / status
// =====================================================

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run one sync cycle and print what it did.

By default the cycle is incremental: queued writes are sent first, then
changes past each resource type's watermark are pulled. With --full every
resource type is pulled wholesale before the queue is drained.

Only one process may drain a data directory. While "syncd run" is active,
leave syncing to it; this command is for use without a daemon.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.syncOnce(cmd.Context(), cmd.OutOrStdout(), syncFull)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending writes, conflicts and the last sync time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.monitor.Probe(cmd.Context())
		renderStatus(cmd.OutOrStdout(), a.engine.Status())
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "pull every resource type wholesale")
}

func (a *app) syncOnce(ctx context.Context, w io.Writer, full bool) error {
	a.monitor.Probe(ctx)

	var (
		result *syncpkg.SyncResult
		err    error
	)
	if full {
		result, err = a.engine.FullSync(ctx)
	} else {
		result, err = a.engine.SyncNow(ctx)
	}
	if err != nil {
		return err
	}
	renderResult(w, result)
	return nil
}

// =====================================================
// enqueue
// =====================================================

var enqueueData string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <create|update|delete> <resource> [record-id]",
	Short: "Queue a local write",
	Long: `Queue a local write for the next sync.

The payload is a JSON object given with --data. A running daemon sharing
the data directory is told about the write and drains it right away.`,
	Example: `  syncd enqueue create contacts --data '{"email":"a@example.com","name":"Ada"}'
  syncd enqueue update contacts c42 --data '{"phone":"+47 555 0100"}'
  syncd enqueue delete contacts c42`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.enqueue(cmd.OutOrStdout(), args, enqueueData)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "JSON object with the fields to write")
}

// parseMutation builds a mutation from command arguments.
func parseMutation(args []string, data string) (models.NewMutation, error) {
	kind, err := models.ParseMutationKind(args[0])
	if err != nil {
		return models.NewMutation{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation kind", err)
	}
	m := models.NewMutation{Kind: kind, ResourceType: args[1]}
	if len(args) > 2 {
		m.RecordID = args[2]
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &m.Payload); err != nil {
			return models.NewMutation{}, apperrors.Wrap(apperrors.ErrInvalid, "--data must be a JSON object", err)
		}
	}
	return m, nil
}

func (a *app) enqueue(w io.Writer, args []string, data string) error {
	m, err := parseMutation(args, data)
	if err != nil {
		return err
	}
	pm, err := a.engine.Enqueue(m)
	if err != nil {
		return err
	}

	if watcher, err := a.notifier(); err != nil {
		logging.Warn("Could not open change channel", map[string]interface{}{"error": err.Error()})
	} else if err := watcher.Publish(); err != nil {
		logging.Warn("Failed to announce queued write", map[string]interface{}{"error": err.Error()})
	}

	fmt.Fprintf(w, "Queued %s %s as %s (%d pending)\n", pm.Kind, pm.ResourceType, pm.ID, a.engine.Queue().Len())
	return nil
}

// =====================================================
// conflicts
// =====================================================

var (
	resolveChoice string
	clearYes      bool
)

// Prompts are variables so tests can answer them.
var (
	promptChoice  = huhChoicePrompt
	promptConfirm = huhConfirmPrompt
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review writes that need an operator decision",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		renderConflicts(cmd.OutOrStdout(), a.engine.Conflicts())
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve sync conflicts",
	Long: `Resolve one conflict, or walk through all of them.

Without --choice each conflict is shown and you pick how to resolve it:
  local   queue the write again as it is
  remote  discard the write and keep what the remote store has
  merge   merge the write into the current remote record and queue that`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.monitor.Probe(cmd.Context())
		return a.resolveConflicts(cmd.Context(), cmd.OutOrStdout(), args, resolveChoice)
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every sync conflict",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.clearConflicts(cmd.OutOrStdout(), clearYes)
	},
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "local, remote or merge (prompt when empty)")
	conflictsClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsClearCmd)
}

func (a *app) resolveConflicts(ctx context.Context, w io.Writer, args []string, choiceFlag string) error {
	var fixed syncpkg.Choice
	if choiceFlag != "" {
		c, err := syncpkg.ParseChoice(choiceFlag)
		if err != nil {
			return err
		}
		fixed = c
	}

	conflicts := a.engine.Conflicts()
	if len(args) == 1 {
		var found bool
		for _, c := range conflicts {
			if c.ID == args[0] {
				conflicts = []models.Conflict{c}
				found = true
				break
			}
		}
		if !found {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conflict %s not found", args[0]))
		}
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No sync conflicts.")
		return nil
	}

	st := newStyles(w)
	for i, c := range conflicts {
		choice := fixed
		if choice == "" {
			fmt.Fprintf(w, "[%d/%d] ", i+1, len(conflicts))
			renderConflict(w, st, c)
			picked, err := promptChoice(c)
			if err != nil {
				return err
			}
			if picked == "" {
				fmt.Fprintln(w, st.dim.Render("  skipped"))
				continue
			}
			choice = picked
		}

		pm, err := syncpkg.Resolve(ctx, a.engine, c.ID, choice)
		if err != nil {
			return err
		}
		if pm != nil {
			fmt.Fprintf(w, "%s resolved (%s), queued %s %s\n", c.ID, choice, pm.Kind, pm.ID)
		} else {
			fmt.Fprintf(w, "%s resolved (%s)\n", c.ID, choice)
		}
	}
	return nil
}

func (a *app) clearConflicts(w io.Writer, yes bool) error {
	n := len(a.engine.Conflicts())
	if n == 0 {
		fmt.Fprintln(w, "No sync conflicts.")
		return nil
	}
	if !yes {
		ok, err := promptConfirm(fmt.Sprintf("Drop %d conflicts? Their writes are lost.", n))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "Nothing cleared.")
			return nil
		}
	}
	fmt.Fprintf(w, "Cleared %d conflicts.\n", a.engine.ClearConflicts())
	return nil
}

// huhChoicePrompt asks how to resolve c. An empty choice skips it.
func huhChoicePrompt(c models.Conflict) (syncpkg.Choice, error) {
	var choice string
	err := huh.NewSelect[string]().
		Title("How to resolve?").
		Options(
			huh.NewOption("Use local: queue the write again", string(syncpkg.ChoiceLocal)),
			huh.NewOption("Use remote: discard the write", string(syncpkg.ChoiceRemote)),
			huh.NewOption("Merge into the remote record", string(syncpkg.ChoiceMerge)),
			huh.NewOption("Skip", ""),
		).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	return syncpkg.Choice(choice), nil
}

func huhConfirmPrompt(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Clear").
		Negative("Keep").
		Value(&ok).
		Run()
	return ok, err
}
