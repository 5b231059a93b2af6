package app

import (
	"fmt"
	"io"
	"sort"

	"assetxfer/internal/checkpoint"
	"assetxfer/internal/progress"
	"assetxfer/internal/transfer"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// TaskLister renders persisted tasks without starting any transfer
type TaskLister struct {
	store checkpoint.Store
}

// NewTaskLister opens the configured store read side
func NewTaskLister(backend, path string) (*TaskLister, error) {
	store, err := checkpoint.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &TaskLister{store: store}, nil
}

// Tasks returns the persisted tasks in submission order, optionally only those with the given statuses
func (l *TaskLister) Tasks(statuses ...transfer.Status) ([]*transfer.Task, error) {
	tasks, err := l.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(statuses) > 0 {
		tasks = lo.Filter(tasks, func(t *transfer.Task, _ int) bool {
			return lo.Contains(statuses, t.Status)
		})
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].Seq < tasks[j].Seq
	})
	return tasks, nil
}

// Close releases the store
func (l *TaskLister) Close() error {
	return l.store.Close()
}

// RenderTasks writes tasks as an aligned table
func RenderTasks(out io.Writer, tasks []*transfer.Task) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Dir", "Job", "File", "Size", "Progress", "Status", "Retries", "Error"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, t := range tasks {
		errText := ""
		if t.Status == transfer.StatusFailed {
			errText = fmt.Sprintf("%s: %s", t.ErrorKind, t.LastError)
		}
		table.Append([]string{
			t.ID,
			string(t.Direction),
			t.JobID,
			t.FileName,
			progress.FormatBytes(t.FileSize),
			fmt.Sprintf("%.1f%%", t.Percent()),
			string(t.Status),
			fmt.Sprintf("%d", t.RetryCount),
			errText,
		})
	}

	table.Render()
}
