package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/convsync/pkg/attachments"
	"github.com/go-go-golems/convsync/pkg/config"
)

func newAttachmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachments",
		Short: "Inspect durable attachments",
	}
	cmd.AddCommand(newAttachmentsListCommand())
	return cmd
}

func newAttachmentsListCommand() *cobra.Command {
	var (
		conv   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the durable attachments of a conversation, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conv == "" {
				return errors.New("--conv is required")
			}
			return withStorage(cmd, func(ctx context.Context, s config.Settings, st *storage) error {
				recs, err := st.attachments.GetByConversation(ctx, s.Attachments.OwnerID, conv)
				if err != nil {
					return err
				}
				return writeAttachments(cmd.OutOrStdout(), output, recs)
			})
		},
	}
	cmd.Flags().StringVar(&conv, "conv", "", "conversation id")
	cmd.Flags().StringVar(&output, "output", "table", "output format (table, json, yaml)")
	return cmd
}

type attachmentView struct {
	ID             string         `json:"id" yaml:"id"`
	ConversationID string         `json:"conversation_id" yaml:"conversation_id"`
	CreatedAt      string         `json:"created_at" yaml:"created_at"`
	Payload        map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func writeAttachments(w io.Writer, format string, recs []attachments.Record) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(attachmentViews(recs))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(attachmentViews(recs))
	case "table", "":
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))).
			Headers("ID", "CREATED", "PAYLOAD")
		for _, rec := range recs {
			payload := string(rec.Payload)
			if len(payload) > 60 {
				payload = payload[:57] + "..."
			}
			t.Row(rec.ID, rec.CreatedAt.Format(time.RFC3339), payload)
		}
		_, err := fmt.Fprintln(w, t.Render())
		return err
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func attachmentViews(recs []attachments.Record) []attachmentView {
	out := make([]attachmentView, 0, len(recs))
	for _, rec := range recs {
		v := attachmentView{
			ID:             rec.ID,
			ConversationID: rec.ConversationID,
			CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		}
		if len(rec.Payload) > 0 {
			var payload map[string]any
			if err := json.Unmarshal(rec.Payload, &payload); err == nil {
				v.Payload = payload
			} else {
				v.Payload = map[string]any{"raw": string(rec.Payload)}
			}
		}
		out = append(out, v)
	}
	return out
}
