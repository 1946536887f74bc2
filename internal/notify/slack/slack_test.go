package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/winnow/internal/triage"
)

func sampleReport() triage.ReconcileReport {
	start := time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)
	return triage.ReconcileReport{
		Partition: "4",
		Total:     3,
		Matched:   1,
		Unmatched: 1,
		Failed:    1,
		Added:     1,
		Records: []triage.Reconciliation{
			{External: triage.ExternalItem{Name: "Tetris"}, Match: &triage.Item{ID: 1, Name: "Tetris"}, Score: 1},
			{External: triage.ExternalItem{Name: "Nothing Like It"}, Err: triage.ErrNoConfidentMatch},
			{External: triage.ExternalItem{Name: "Broken"}, Err: errors.New("search failed")},
		},
		StartedAt:  start,
		FinishedAt: start.Add(2500 * time.Millisecond),
	}
}

func decodeBlocks(t *testing.T, got map[string]any) []any {
	t.Helper()
	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	return blocks
}

func TestNotifyReconcile_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.NotifyReconcile(context.Background(), sampleReport()); err != nil {
		t.Fatalf("NotifyReconcile: %v", err)
	}

	blocks := decodeBlocks(t, got)
	// header, divider, fields, divider, unmatched, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "partition 4") {
		t.Errorf("header text = %q, want to contain partition 4", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle when records failed")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	if len(fields) != 6 {
		t.Fatalf("fields = %d, want 6", len(fields))
	}
	if text := fields[5].(map[string]any)["text"].(string); text != "*Duration:* 2.5s" {
		t.Errorf("duration field = %q", text)
	}

	unmatched := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(unmatched, "Nothing Like It") || !strings.Contains(unmatched, "Broken") || strings.Contains(unmatched, "Tetris") {
		t.Errorf("unmatched section = %q", unmatched)
	}

	if fallback, _ := got["text"].(string); !strings.Contains(fallback, "1 of 3 matched") {
		t.Errorf("fallback text = %q", fallback)
	}
}

func TestNotifyReconcile_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.NotifyReconcile(context.Background(), triage.ReconcileReport{}); err != nil {
		t.Fatalf("NotifyReconcile with empty URL should be no-op, got: %v", err)
	}
}

func TestNotifyReconcile_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).NotifyReconcile(context.Background(), sampleReport())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestUnmatchedBlock_CapsNames(t *testing.T) {
	t.Parallel()

	var r triage.ReconcileReport
	for i := range maxListedNames + 5 {
		r.Records = append(r.Records, triage.Reconciliation{
			External: triage.ExternalItem{Name: fmt.Sprintf("Game %d", i)},
			Err:      triage.ErrNoConfidentMatch,
		})
	}
	text := unmatchedBlock(r).Text.Text
	if got := strings.Count(text, "•"); got != maxListedNames {
		t.Errorf("listed %d names, want %d", got, maxListedNames)
	}
	if !strings.HasSuffix(text, "_and 5 more_") {
		t.Errorf("text should end with overflow note, got %q", text[len(text)-20:])
	}
}

func TestUnmatchedBlock_AllMatched(t *testing.T) {
	t.Parallel()

	r := triage.ReconcileReport{Records: []triage.Reconciliation{
		{External: triage.ExternalItem{Name: "Tetris"}, Match: &triage.Item{ID: 1}},
	}}
	if text := unmatchedBlock(r).Text.Text; text != "_All entries matched._" {
		t.Errorf("text = %q", text)
	}
}

func TestOutcomeEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		report triage.ReconcileReport
		want   string
	}{
		{"failed", triage.ReconcileReport{Failed: 1, Unmatched: 1}, "\U0001f534"},
		{"unmatched", triage.ReconcileReport{Unmatched: 2}, "\U0001f7e1"},
		{"clean", triage.ReconcileReport{Matched: 3}, "\U0001f7e2"},
		{"empty", triage.ReconcileReport{}, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := outcomeEmoji(tt.report); got != tt.want {
				t.Errorf("outcomeEmoji() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate(long) = %q", got)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("4", "Tetris", 3, 1)
	f.Add("", "", 0, 0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", 1, 0)
	f.Add("part\x00\x01", "name\nline", 2, 2)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), 100, 50)

	f.Fuzz(func(t *testing.T, partition, name string, total, matched int) {
		r := triage.ReconcileReport{
			Partition: partition,
			Total:     total,
			Matched:   matched,
			Records: []triage.Reconciliation{
				{External: triage.ExternalItem{Name: name}, Err: triage.ErrNoConfidentMatch},
			},
			FinishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(r)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 7 {
			t.Fatalf("blocks = %v, want 7", decoded["blocks"])
		}
	})
}
