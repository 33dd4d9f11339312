// Command admin is the operator CLI: season stats, payout preview and
// settlement, history export, journal inspection, and the reset switch.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/provenance"
	"clawquest.ai/internal/season"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/tuning"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "leaderboard":
			leaderboardCmd(os.Args[2:])
			return
		case "payouts":
			payoutsCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "reset":
			resetCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin <stats|leaderboard|payouts|export|journal|reset> [flags]")
	os.Exit(2)
}

func openWorld(fs *flag.FlagSet, args []string) (*storage.Store, *season.Service, func()) {
	dataDir := fs.String("data", "./data", "runtime data directory")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	_ = fs.Parse(args)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			tune = tuning.Defaults()
		} else {
			fatal("load tuning: %v", err)
		}
	}
	policy, err := economy.FromTuning(&tune)
	if err != nil {
		fatal("economy: %v", err)
	}
	store, err := storage.Open(filepath.Join(*dataDir, "game.db"))
	if err != nil {
		fatal("open storage: %v", err)
	}
	svc := season.New(store, policy, tune.Grid.TotalCells, nil)
	return store, svc, func() { _ = store.Close() }
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	_, svc, closeFn := openWorld(fs, args)
	defer closeFn()

	st, err := svc.Overview(context.Background())
	if err != nil {
		fatal("overview: %v", err)
	}
	printJSON(st)
}

func leaderboardCmd(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	limit := fs.Int("limit", 50, "how many ranks to show")
	_, svc, closeFn := openWorld(fs, args)
	defer closeFn()

	entries, err := svc.Leaderboard(context.Background(), *limit)
	if err != nil {
		fatal("leaderboard: %v", err)
	}
	for _, e := range entries {
		badge := e.Badge
		if badge != "" {
			badge = " [" + badge + "]"
		}
		fmt.Printf("%3d. %-24s score=%-4d cells=%d%s\n", e.Rank, e.Name, e.Score, e.CellCount, badge)
	}
}

func payoutsCmd(args []string) {
	fs := flag.NewFlagSet("payouts", flag.ExitOnError)
	settle := fs.Bool("settle", false, "credit the payouts to wallets (irreversible)")
	_, svc, closeFn := openWorld(fs, args)
	defer closeFn()

	ctx := context.Background()
	payouts, err := svc.Payouts(ctx)
	if err != nil {
		fatal("payouts: %v", err)
	}
	if len(payouts) == 0 {
		fmt.Println("nothing to pay out")
		return
	}
	for _, p := range payouts {
		fmt.Printf("%3d. %-24s %.6f\n", p.Rank, p.Name, p.Amount)
	}
	if *settle {
		if err := svc.Settle(ctx, payouts); err != nil {
			fatal("settle: %v", err)
		}
		fmt.Println("settled")
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "history.csv", "output csv path")
	store, _, closeFn := openWorld(fs, args)
	defer closeFn()

	hist, err := store.AllHistory(context.Background())
	if err != nil {
		fatal("history: %v", err)
	}
	f, err := os.Create(*out)
	if err != nil {
		fatal("create %s: %v", *out, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"id", "cell_id", "event", "actor_id", "prev_owner_id", "question", "submitted_answer", "similarity", "method", "explanation", "fee", "created_at"})
	for _, h := range hist {
		_ = w.Write([]string{
			strconv.FormatInt(h.ID, 10), h.CellID, h.Event, h.ActorID, h.PrevOwner,
			h.Question, h.SubmittedAnswer,
			strconv.FormatFloat(h.Similarity, 'f', -1, 64), h.Method, h.Explanation,
			strconv.FormatFloat(h.Fee, 'f', -1, 64), h.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fatal("write csv: %v", err)
	}
	fmt.Printf("wrote %d rows to %s\n", len(hist), *out)
}

// journalCmd decodes one compressed journal file to stdout.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatal("usage: admin journal <history-....jsonl.zst>")
	}
	recs, err := provenance.ReadFile(fs.Arg(0))
	if err != nil {
		fatal("read journal: %v", err)
	}
	for _, r := range recs {
		printJSON(r)
	}
}

func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "really wipe all gameplay state")
	store, _, closeFn := openWorld(fs, args)
	defer closeFn()

	if !*confirm {
		fatal("refusing to reset without -yes")
	}
	if err := store.Reset(context.Background()); err != nil {
		fatal("reset: %v", err)
	}
	fmt.Println("reset done")
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}
	fmt.Println(string(b))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
