package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/possync/internal/mutation"
)

func (a *app) newEnqueueCmd() *cobra.Command {
	var payloadFile string
	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <entity-type> <entity-id> [payload-json]",
		Short: "Queue a local mutation for the next sync pass",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := mutation.ParseOperation(args[0])
			if err != nil {
				return fmt.Errorf("%w: operation must be create, update or delete", err)
			}
			payload, err := readPayload(args[3:], payloadFile)
			if err != nil {
				return err
			}
			access, err := a.openAccess(cmd.Context())
			if err != nil {
				return err
			}
			defer access.Close()
			rec, err := access.Enqueue(cmd.Context(), op, args[1], args[2], payload)
			if err != nil {
				return err
			}
			return render(a.out, a.output, toRow(rec), func(_ io.Writer, t *tablewriter.Table) error {
				return recordTable(t, []recordRow{toRow(rec)})
			})
		},
	}
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file (- for stdin)")
	return cmd
}

func readPayload(args []string, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("%w: give the payload inline or with --payload-file, not both", mutation.ErrInvalidInput)
	case len(args) > 0:
		raw = []byte(args[0])
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", mutation.ErrInvalidInput)
	}
	return json.RawMessage(raw), nil
}
