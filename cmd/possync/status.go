package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/possync/internal/mutation"
)

const (
	sourceQueueLog = "queue-log"
	sourceAPI      = "api"
)

type statusDocument struct {
	Source      string      `json:"source" yaml:"source"`
	Online      *bool       `json:"isOnline,omitempty" yaml:"isOnline,omitempty"`
	SyncStatus  string      `json:"syncStatus,omitempty" yaml:"syncStatus,omitempty"`
	Pending     int         `json:"pendingCount" yaml:"pendingCount"`
	DeadLetters int         `json:"deadLetterCount" yaml:"deadLetterCount"`
	NextDue     *time.Time  `json:"nextDue,omitempty" yaml:"nextDue,omitempty"`
	LastSyncAt  *time.Time  `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	Records     []recordRow `json:"records" yaml:"records"`
}

func buildStatusDocument(source string, recs []mutation.Record, stats mutation.Stats, nextDue *time.Time) statusDocument {
	doc := statusDocument{
		Source:      source,
		Pending:     stats.Outstanding(),
		DeadLetters: stats.DeadLetters,
		Records:     toRows(recs),
	}
	if nextDue != nil {
		at := nextDue.UTC()
		doc.NextDue = &at
	}
	return doc
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending mutations, dead letters and the next scheduled retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			access, err := a.openAccess(cmd.Context())
			if err != nil {
				return err
			}
			defer access.Close()
			doc, err := access.Status(cmd.Context())
			if err != nil {
				return err
			}
			return render(a.out, a.output, doc, func(w io.Writer, t *tablewriter.Table) error {
				return statusTable(w, t, doc)
			})
		},
	}
}

func statusTable(w io.Writer, t *tablewriter.Table, doc statusDocument) error {
	if doc.SyncStatus != "" {
		fmt.Fprintf(w, "sync status:  %s\n", doc.SyncStatus)
	}
	if doc.Online != nil {
		fmt.Fprintf(w, "online:       %t\n", *doc.Online)
	}
	fmt.Fprintf(w, "pending:      %d\n", doc.Pending)
	fmt.Fprintf(w, "dead letters: %d\n", doc.DeadLetters)
	if doc.NextDue != nil {
		fmt.Fprintf(w, "next retry:   %s\n", doc.NextDue.Format(time.RFC3339))
	}
	if doc.LastSyncAt != nil {
		fmt.Fprintf(w, "last synced:  %s\n", doc.LastSyncAt.Format(time.RFC3339))
	}
	if len(doc.Records) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return recordTable(t, doc.Records)
}
