package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/davsync/internal/config"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/service"
)

const defaultHistoryCount = 20

// runCommand executes a one-shot subcommand against the state database.
func runCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := service.New(st, newRemote(cfg, logger), nil, logger, serviceOptions(cfg))

	if args[0] == "once" {
		if _, err := svc.RecoverLocks(); err != nil {
			return err
		}

		if err := enrollRoots(ctx, cfg, svc); err != nil {
			return err
		}
	}

	return dispatch(ctx, svc, os.Stdout, args)
}

// dispatch runs one subcommand and writes its output to w.
func dispatch(ctx context.Context, svc *service.Service, w io.Writer, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "once":
		summary, err := svc.RunAll(ctx)
		fmt.Fprintf(w, "changes=%d conflicts=%d errors=%d\n", summary.Changes, summary.Conflicts, summary.Errors)

		return err

	case "roots":
		roots, err := svc.ListRoots()
		if err != nil {
			return err
		}

		printRoots(w, roots)

		return nil

	case "add-root":
		if len(rest) != 2 {
			return fmt.Errorf("usage: davsync add-root <remote> <local>")
		}

		root, err := svc.AddRoot(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "root %d: %s -> %s\n", root.ID, root.RemotePath, root.LocalDir)

		return nil

	case "remove-root":
		id, err := oneID(rest, "remove-root <id>")
		if err != nil {
			return err
		}

		if err := svc.RemoveRoot(id); err != nil {
			return err
		}

		fmt.Fprintf(w, "root %d removed\n", id)

		return nil

	case "resume":
		id, err := oneID(rest, "resume <id>")
		if err != nil {
			return err
		}

		if _, err := svc.ResumeRoot(id); err != nil {
			return err
		}

		fmt.Fprintf(w, "root %d resumed\n", id)

		return nil

	case "conflicts":
		var rootID uint64

		if len(rest) > 0 {
			id, err := parseID(rest[0])
			if err != nil {
				return err
			}

			rootID = id
		}

		recs, err := svc.ListConflicts(rootID)
		if err != nil {
			return err
		}

		printConflicts(w, recs)

		return nil

	case "diff":
		id, err := oneID(rest, "diff <record-id>")
		if err != nil {
			return err
		}

		diff, err := svc.ConflictDiff(ctx, id)
		if err != nil {
			return err
		}

		printDiff(w, diff)

		return nil

	case "resolve":
		if len(rest) != 2 {
			return fmt.Errorf("usage: davsync resolve <record-id> local|remote")
		}

		id, err := parseID(rest[0])
		if err != nil {
			return err
		}

		resolution, err := models.ParseResolution(rest[1])
		if err != nil {
			return err
		}

		rec, err := svc.ResolveConflict(id, resolution)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s: %s, applied on the next run\n", rec.RemotePath, rec.ConflictResolution)

		return nil

	case "status":
		if len(rest) != 2 {
			return fmt.Errorf("usage: davsync status <root-id> <path>")
		}

		id, err := parseID(rest[0])
		if err != nil {
			return err
		}

		rec, err := svc.FileStatus(id, rest[1])
		if err != nil {
			return err
		}

		if rec == nil {
			fmt.Fprintf(w, "%s: not tracked\n", rest[1])
			return nil
		}

		printStatus(w, *rec)

		return nil

	case "history":
		n := defaultHistoryCount

		if len(rest) > 0 {
			v, err := strconv.Atoi(rest[0])
			if err != nil || v < 1 {
				return fmt.Errorf("invalid count %q", rest[0])
			}

			n = v
		}

		entries, err := svc.ListHistory(n)
		if err != nil {
			return err
		}

		printHistory(w, entries)

		return nil

	case "clear-history":
		if err := svc.ClearHistory(); err != nil {
			return err
		}

		fmt.Fprintln(w, "history cleared")

		return nil
	}

	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func oneID(rest []string, form string) (uint64, error) {
	if len(rest) != 1 {
		return 0, fmt.Errorf("usage: davsync %s", form)
	}

	return parseID(rest[0])
}

// --- Output ---

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printRoots(w io.Writer, roots []models.SyncRoot) {
	if len(roots) == 0 {
		fmt.Fprintln(w, "no roots enrolled")
		return
	}

	tw := table(w)
	fmt.Fprintln(tw, "ID\tREMOTE\tLOCAL\tSTATE\tLAST SYNC")

	for _, r := range roots {
		st := "idle"

		switch {
		case r.Suspended:
			st = "suspended: " + r.SuspendReason
		case r.Locked:
			st = "running"
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.RemotePath, r.LocalDir, st, stamp(r.LastSyncAt))
	}

	tw.Flush()
}

func printConflicts(w io.Writer, recs []models.ResourceSyncRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no conflicts")
		return
	}

	tw := table(w)
	fmt.Fprintln(tw, "ID\tROOT\tPATH\tCONFLICT\tRESOLUTION")

	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", r.ID, r.RootID, r.RemotePath, r.ConflictType, r.ConflictResolution)
	}

	tw.Flush()
}

func printDiff(w io.Writer, d service.ConflictDiff) {
	fmt.Fprintf(w, "--- remote %s\n+++ local %s\n", d.RemotePath, d.LocalPath)

	if d.RemoteMissing {
		fmt.Fprintln(w, "(remote copy deleted)")
	}

	if d.LocalMissing {
		fmt.Fprintln(w, "(local copy deleted)")
	}

	fmt.Fprint(w, d.Patch)
}

func printStatus(w io.Writer, r models.ResourceSyncRecord) {
	tw := table(w)
	fmt.Fprintf(tw, "remote\t%s\n", r.RemotePath)
	fmt.Fprintf(tw, "local\t%s\n", r.LocalPath)
	fmt.Fprintf(tw, "etag\t%s\n", r.ETag)
	fmt.Fprintf(tw, "modified\t%s\n", stamp(r.ModifiedAt))

	if r.InConflict() {
		fmt.Fprintf(tw, "conflict\t%s (%s)\n", r.ConflictType, r.ConflictResolution)
	}

	if r.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", r.LastError)
	}

	tw.Flush()
}

func printHistory(w io.Writer, entries []models.SyncHistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}

	tw := table(w)
	fmt.Fprintln(tw, "TIME\tROOT\tACTION\tPATH\tDETAIL")

	for _, e := range entries {
		detail := e.Error
		if e.ConflictType != models.ConflictNone {
			detail = e.ConflictType.String()
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", stamp(e.Timestamp), e.RootID, e.Action, e.RemotePath, detail)
	}

	tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.DateTime)
}
