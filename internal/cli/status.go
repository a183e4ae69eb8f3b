package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/autofix/internal/backup"
	"github.com/imkarma/autofix/internal/git"
	"github.com/imkarma/autofix/internal/health"
	"github.com/imkarma/autofix/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	Long:  "Shows health, task counts, recent cycles, fixes awaiting review and backups left by an interrupted run.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := mustStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := s.ListResults()
	if err != nil {
		return err
	}
	h := health.Compute(results)
	fmt.Printf("%sHealth:%s %s%d (%s)%s  error rate %.0f%%  avg confidence %.2f\n",
		colorBold, colorReset, statusColor(string(h.Status)), h.Score, h.Status, colorReset,
		h.Metrics.ErrorRate*100, h.Metrics.AverageConfidence)
	if h.Metrics.FatalRollbacks > 0 {
		fmt.Printf("  %s✗ %d failed rollbacks%s\n", colorRed, h.Metrics.FatalRollbacks, colorReset)
	}

	tasks, err := s.ListTasks("")
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Printf("\nNo tasks yet. Run: %sautofix --cycle%s\n", colorCyan, colorReset)
	} else {
		counts := map[store.TaskStatus]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		fmt.Printf("\n%sTasks: %d total%s\n", colorBold, len(tasks), colorReset)
		for _, st := range []store.TaskStatus{store.StatusPending, store.StatusDispatched, store.StatusInProgress, store.StatusCompleted, store.StatusFailed} {
			fmt.Printf("  %-14s %s%d%s\n", string(st)+":", statusColor(string(st)), counts[st], colorReset)
		}
	}

	cycles, err := s.ListCycles(5)
	if err != nil {
		return err
	}
	if len(cycles) > 0 {
		fmt.Printf("\n%sRecent cycles:%s\n", colorBold, colorReset)
		for _, c := range cycles {
			fmt.Printf("  #%-5d %s  %s%-9s%s dispatched %d, completed %d, failed %d\n",
				c.ID, c.StartedAt.Local().Format("2006-01-02 15:04:05"),
				statusColor(string(c.Status)), c.Status, colorReset,
				c.Dispatched, c.Completed, c.Failed)
		}
	}

	printReview(cfg.Paths.RepoRoot, results)

	bm, err := backup.NewManager(cfg.Resolve(cfg.Paths.Backups), nil)
	if err != nil {
		return err
	}
	orphans, err := bm.Orphans()
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		fmt.Printf("\n%s⚠  Backups from an interrupted run (original bytes kept):%s\n", colorRed+colorBold, colorReset)
		for _, o := range orphans {
			fmt.Printf("  %s%s%s → %s\n", colorYellow, o.Path, colorReset, o.BackupPath)
		}
	}
	return nil
}

// printReview lists the latest result of each task when it needs a human.
func printReview(repoRoot string, results []store.TaskResult) {
	latest := map[string]store.TaskResult{}
	var order []string
	for _, r := range results {
		if _, seen := latest[r.TaskID]; !seen {
			order = append(order, r.TaskID)
		}
		latest[r.TaskID] = r
	}

	var files []string
	header := false
	for _, id := range order {
		r := latest[id]
		if !r.RequiresHumanReview {
			continue
		}
		if !header {
			fmt.Printf("\n%sNeeds review:%s\n", colorMagenta+colorBold, colorReset)
			header = true
		}
		mark, color := "✓", colorGreen
		if !r.Success {
			mark, color = "✗", colorRed
		}
		fmt.Printf("  %s%s%s %s%s%s %s (confidence %.2f)\n", color, mark, colorReset,
			colorYellow, id, colorReset, truncate(r.Message, 60), r.ConfidenceScore)
		for _, c := range r.Changes {
			files = append(files, c.File)
		}
	}

	if len(files) == 0 {
		return
	}
	repo := git.New(repoRoot)
	if !repo.IsGitRepo() {
		return
	}
	stat, err := repo.DiffStat(files...)
	if err != nil || strings.TrimSpace(stat) == "" {
		return
	}
	fmt.Printf("\n  %sUncommitted:%s\n", colorDim, colorReset)
	for _, line := range strings.Split(strings.TrimRight(stat, "\n"), "\n") {
		fmt.Printf("    %s\n", line)
	}
}
