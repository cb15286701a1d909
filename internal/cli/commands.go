package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/attune/internal/client"
	"github.com/lazypower/attune/internal/store"
)

// --- stats command ---

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine, cache and scheduler statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := newClient().Stats()
	if err != nil {
		return err
	}
	if statsJSON {
		return printJSON(s)
	}

	fmt.Printf("model      v%d  dim %d  %s params  trainer %s (epoch %d)\n",
		s.ModelVersion, s.Dimension, humanize.Comma(int64(s.Params)), s.TrainerState, s.Epoch)
	fmt.Printf("ewc        %d consolidated tasks\n", s.EWCTasks)
	fmt.Printf("cache      %s entries  %s / %s  hit rate %.1f%%\n",
		humanize.Comma(int64(s.Cache.Entries)), humanize.IBytes(uint64(s.Cache.Bytes)),
		humanize.IBytes(uint64(s.Cache.MaxBytes)), s.Cache.HitRate*100)
	fmt.Printf("buffer     %d trajectories  %d dropped", s.BufferSize, s.Dropped)
	if s.InProgress {
		fmt.Print("  (training)")
	}
	fmt.Println()

	last := "never"
	if !s.LastRunAt.IsZero() {
		last = humanize.Time(s.LastRunAt)
	}
	fmt.Printf("runs       %d total  %d failed  last %s  loss %.4f\n", s.TotalRuns, s.FailedRuns, last, s.LastLoss)
	if s.CooldownRemainingMs > 0 {
		fmt.Printf("cooldown   %s remaining\n", (time.Duration(s.CooldownRemainingMs) * time.Millisecond).Round(time.Second))
	}
	if s.LastError != "" {
		fmt.Printf("last error %s\n", s.LastError)
	}

	m := s.Metrics
	fmt.Printf("enhance    %s calls  avg %.2fms  %d fallbacks  %d panics  %d dim mismatches\n",
		humanize.Comma(m.EnhanceCalls), m.EnhanceAvgMs, m.Fallbacks, m.Panics, m.DimensionMismatches)
	return nil
}

// --- train command ---

var trainAsync bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Force a training run on the buffered feedback",
	RunE:  runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	c := newClient()
	if trainAsync {
		if err := c.TrainAsync(); err != nil {
			return err
		}
		fmt.Println("Training started.")
		return nil
	}

	res, err := c.WithTimeout(0).Train()
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("run %s %s: %s", res.RunID, res.Trigger, res.Reason)
	}
	fmt.Printf("Run %s: %d samples, %d epochs, loss %.4f in %s\n",
		res.RunID, res.Samples, res.Epochs, res.Loss, res.Duration.Round(time.Millisecond))
	if res.Cancelled {
		fmt.Println("(cancelled; feedback kept for the next run)")
	}
	return nil
}

// --- history command ---

var (
	historyFrom      int
	historyTo        int
	historyPruneDays int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show per-batch training history",
	Long:  "Show training records for an inclusive epoch range. With --prune-days, delete records older than that many days instead.",
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	c := newClient()
	if historyPruneDays > 0 {
		n, err := c.PruneHistory(historyPruneDays)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %s records older than %d days.\n", humanize.Comma(n), historyPruneDays)
		return nil
	}

	recs, err := c.History(historyFrom, historyTo)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No training history.")
		return nil
	}

	t := newTable("EPOCH", "BATCH", "LOSS", "LR", "ACTIVE", "N", "RUN", "WHEN")
	for _, r := range recs {
		t.add(strconv.Itoa(r.Epoch), strconv.Itoa(r.Batch),
			fmt.Sprintf("%.4f", r.Loss), fmt.Sprintf("%.2e", r.LearningRate),
			fmt.Sprintf("%.0f%%", r.ActiveFraction*100), strconv.Itoa(r.SampleCount),
			shortID(r.RunID), humanize.Time(r.CreatedAt))
	}
	t.write(os.Stdout)
	return nil
}

// --- runs command ---

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent training runs",
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	runs, err := newClient().Runs(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No training runs.")
		return nil
	}

	t := newTable("RUN", "STATUS", "TRIGGER", "SAMPLES", "EPOCHS", "LOSS", "STARTED", "NOTE")
	for _, r := range runs {
		status := r.Status
		if status == store.RunActive {
			status = "running"
		}
		t.add(shortID(r.RunID), status, r.Trigger, strconv.Itoa(r.SampleCount),
			strconv.Itoa(r.Epochs), optLoss(r.FinalLoss),
			humanize.Time(time.UnixMilli(r.StartedAt)), r.Reason)
	}
	t.write(os.Stdout)
	return nil
}

func optLoss(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

// --- enhance command ---

var enhanceNodes []string

var enhanceCmd = &cobra.Command{
	Use:   "enhance [text | json-vector]",
	Short: "Enhance a text or a JSON embedding through the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnhance,
}

func runEnhance(cmd *cobra.Command, args []string) error {
	input := strings.Join(args, " ")
	req := client.EnhanceRequest{NodeIDs: enhanceNodes}
	if strings.HasPrefix(strings.TrimSpace(input), "[") {
		if err := json.Unmarshal([]byte(input), &req.Embedding); err != nil {
			return fmt.Errorf("parse embedding: %w", err)
		}
	} else {
		req.Text = input
	}

	res, err := newClient().Enhance(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// --- complete-task command ---

var completeTaskCmd = &cobra.Command{
	Use:   "complete-task",
	Short: "Consolidate the current weights so later training preserves them",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CompleteTask(); err != nil {
			return err
		}
		fmt.Println("Task consolidated.")
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print raw JSON")
	trainCmd.Flags().BoolVar(&trainAsync, "async", false, "Return immediately instead of waiting for the run")
	historyCmd.Flags().IntVar(&historyFrom, "from", 0, "First epoch (inclusive)")
	historyCmd.Flags().IntVar(&historyTo, "to", -1, "Last epoch (inclusive, -1 for no bound)")
	historyCmd.Flags().IntVar(&historyPruneDays, "prune-days", 0, "Delete records older than this many days")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs")
	enhanceCmd.Flags().StringSliceVar(&enhanceNodes, "node", nil, "Context graph node IDs (repeatable)")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
