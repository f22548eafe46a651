package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/possync/internal/mutation"
)

func (a *app) newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dl"},
		Short:   "Inspect, replay or discard mutations the backend refused",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List dead-lettered mutations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				access, err := a.openAccess(cmd.Context())
				if err != nil {
					return err
				}
				defer access.Close()
				letters, err := access.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				rows := toRows(letters)
				return render(a.out, a.output, rows, func(w io.Writer, t *tablewriter.Table) error {
					if len(rows) == 0 {
						_, err := fmt.Fprintln(w, "no dead letters")
						return err
					}
					return recordTable(t, rows)
				})
			},
		},
		&cobra.Command{
			Use:   "replay <id>",
			Short: "Return a dead letter to the queue with a fresh retry budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseRecordID(args[0])
				if err != nil {
					return err
				}
				access, err := a.openAccess(cmd.Context())
				if err != nil {
					return err
				}
				defer access.Close()
				rec, err := access.Replay(cmd.Context(), id)
				if err != nil {
					return err
				}
				return render(a.out, a.output, toRow(rec), func(_ io.Writer, t *tablewriter.Table) error {
					return recordTable(t, []recordRow{toRow(rec)})
				})
			},
		},
		&cobra.Command{
			Use:   "discard <id>",
			Short: "Drop a dead letter permanently",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseRecordID(args[0])
				if err != nil {
					return err
				}
				access, err := a.openAccess(cmd.Context())
				if err != nil {
					return err
				}
				defer access.Close()
				if err := access.Discard(cmd.Context(), id); err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.out, "discarded %d\n", id)
				return err
			},
		},
	)
	return cmd
}

func parseRecordID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: record id must be a positive integer", mutation.ErrInvalidInput)
	}
	return id, nil
}
