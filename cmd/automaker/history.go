package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/events"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "features",
	Short:   "Show the project's scheduler event history",
	Long: `Show lifecycle events recorded in .automaker/history.jsonl.

--since accepts RFC 3339 times, durations and natural language.

Examples:
  automaker history --since "2 hours ago"
  automaker history --since yesterday --type feature_failed,feature_cancelled
  automaker history --since 30m
  automaker history --compact 1000`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		types, _ := cmd.Flags().GetStringSlice("type")
		compact, _ := cmd.Flags().GetInt("compact")
		project := projectPath()

		h := events.NewHistory(nil)
		if compact > 0 {
			if err := h.Compact(project, compact); err != nil {
				fatalf("compacting history: %v", err)
			}
			out.Success("History compacted to the newest %d events", compact)
			return
		}

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = t
		}

		var filter []events.Type
		for _, t := range types {
			filter = append(filter, events.Type(t))
		}

		list, err := h.Query(project, since, filter...)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			out.Muted("No events")
			return
		}

		rows := make([][]string, 0, len(list))
		for _, e := range list {
			rows = append(rows, []string{
				e.Time.Local().Format("2006-01-02 15:04:05"),
				colorEvent(e.Type),
				e.FeatureID,
				e.Message,
			})
		}
		out.Table([]string{"TIME", "EVENT", "FEATURE", "MESSAGE"}, rows)
	},
}

// parseSince turns "2 hours ago", "yesterday", "45m" or an RFC 3339 time
// into an absolute time relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", text)
	}
	return r.Time, nil
}

func colorEvent(t events.Type) string {
	switch t {
	case events.FeatureCompleted, events.AutoLoopStarted:
		return out.StatusText("completed", string(t))
	case events.FeatureStarted, events.FeatureAdmitted:
		return out.StatusText("in_progress", string(t))
	case events.FeatureFailed, events.FeatureCancelled:
		return out.StatusText("failed", string(t))
	case events.FeatureWaitingApproval, events.AdmissionBlocked, events.FeatureInterrupted, events.FeatureRetry:
		return out.StatusText("waiting_approval", string(t))
	}
	return out.StatusText("", string(t))
}

func init() {
	historyCmd.Flags().String("since", "", `Only events after this time ("2 hours ago", "yesterday", "30m", RFC 3339)`)
	historyCmd.Flags().StringSlice("type", nil, "Only these event types")
	historyCmd.Flags().Int("compact", 0, "Rewrite the history keeping only the newest N events")
	rootCmd.AddCommand(historyCmd)
}
