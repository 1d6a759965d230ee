package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/attachments"
)

func TestPrinterStreamsDeltasOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	sm := assembler.StreamingMessage{ID: "m1", Status: assembler.StatusStreaming}
	for _, b := range []string{"He", "Hello", "Hello", "Hello wor"} {
		sm.Buffer = b
		p.Stream(sm)
	}
	sm.Buffer = "Hello world"
	sm.Status = assembler.StatusInterrupted
	sm.Reason = "connection lost"
	p.Stream(sm)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Hello world\n"), out)
	require.Contains(t, out, "interrupted: connection lost")
	require.Empty(t, p.printed)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "short", truncate("short", 120))

	long := strings.Repeat("é", 130)
	got := truncate(long, 120)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, 120, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestWriteAttachments(t *testing.T) {
	recs := []attachments.Record{
		{ID: "w1", ConversationID: "c1", Payload: json.RawMessage(`{"title":"Full body"}`), CreatedAt: time.Unix(0, 0).UTC()},
		{ID: "w2", ConversationID: "c1", Payload: json.RawMessage(`null`), CreatedAt: time.Unix(0, 0).UTC()},
	}

	var js bytes.Buffer
	require.NoError(t, writeAttachments(&js, "json", recs))
	var views []attachmentView
	require.NoError(t, json.Unmarshal(js.Bytes(), &views))
	require.Len(t, views, 2)
	require.Equal(t, "Full body", views[0].Payload["title"])
	require.Nil(t, views[1].Payload)

	var ym bytes.Buffer
	require.NoError(t, writeAttachments(&ym, "yaml", recs))
	var yviews []attachmentView
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &yviews))
	require.Equal(t, "w2", yviews[1].ID)

	var tb bytes.Buffer
	require.NoError(t, writeAttachments(&tb, "table", recs))
	require.Contains(t, tb.String(), "w1")

	require.Error(t, writeAttachments(&tb, "xml", recs))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, initLogger(rootFlags{logLevel: "debug", logFormat: "json"}))
	require.Error(t, initLogger(rootFlags{logLevel: "info", logFormat: "xml"}))
	require.NoError(t, initLogger(rootFlags{logLevel: "bogus", logFormat: "text"}))
}
