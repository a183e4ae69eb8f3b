package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/autofix/internal/bus"
	"github.com/imkarma/autofix/internal/store"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the bus event history",
	RunE:  runLog,
}

var (
	logType  string
	logLimit int
)

func init() {
	logCmd.Flags().StringVar(&logType, "type", "", "Only events of this type (e.g. task:failed)")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Show the newest N events")
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := mustStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := readEvents(cmd, cfg.Bus.Transport, cfg.Resolve(cfg.Paths.EventLog), s)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	for _, e := range events {
		fmt.Printf("  %s  %s%-15s%s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			eventColor(e.Type), e.Type, colorReset, describeEvent(e))
	}
	return nil
}

func readEvents(cmd *cobra.Command, transport, jsonlPath string, s *store.Store) ([]store.Event, error) {
	if transport == "jsonl" {
		l, err := bus.OpenJSONLLog(jsonlPath)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		return l.Read(cmd.Context(), logType, logLimit)
	}
	return s.ListEvents(logType, logLimit)
}

func describeEvent(e store.Event) string {
	switch e.Type {
	case bus.TopicTaskAssigned, bus.TopicTaskStarted:
		t, err := bus.DecodeTask(e)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s [%s] %s", t.ID, t.Priority, truncate(t.Description, 60))
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		r, err := bus.DecodeResult(e)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s %s", r.TaskID, truncate(r.Message, 70))
	}
	return string(e.Data)
}

func eventColor(t string) string {
	switch t {
	case bus.TopicTaskCompleted:
		return colorGreen
	case bus.TopicTaskFailed:
		return colorRed
	case bus.TopicTaskStarted:
		return colorBlue
	}
	return colorCyan
}
