package logbuffer

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAround(t *testing.T) {
	b := New(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		b.Add(Entry{Message: msg})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	got := b.Find(Query{})
	want := []string{"d", "c", "b"}
	for i, e := range got {
		if e.Message != want[i] {
			t.Errorf("Find()[%d] = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestWriterCapturesZerologOutput(t *testing.T) {
	b := New(10)
	logger := zerolog.New(NewWriter(b, nil)).With().Timestamp().Logger()

	logger.Info().Str("component", "remote_worker").Int64("assignment_id", 42).Msg("assignment accepted")
	logger.Warn().Str("component", "dashboard").Str("remote_addr", "127.0.0.1:5000").Msg("queue full")
	logger.Error().Str("component", "remote_worker").Int64("assignment_id", 7).Msg("sequence not found")

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "all", query: Query{}, want: []string{"sequence not found", "queue full", "assignment accepted"}},
		{name: "component", query: Query{Component: "remote_worker"}, want: []string{"sequence not found", "assignment accepted"}},
		{name: "level", query: Query{Level: "warn"}, want: []string{"queue full"}},
		{name: "assignment", query: Query{AssignmentID: "42"}, want: []string{"assignment accepted"}},
		{name: "search field", query: Query{Search: "127.0.0.1"}, want: []string{"queue full"}},
		{name: "search message", query: Query{Search: "NOT FOUND"}, want: []string{"sequence not found"}},
		{name: "limit", query: Query{Limit: 1}, want: []string{"sequence not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Find(tt.query)
			if len(got) != len(tt.want) {
				t.Fatalf("Find() returned %d entries, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Message != tt.want[i] {
					t.Errorf("Find()[%d] = %q, want %q", i, e.Message, tt.want[i])
				}
			}
		})
	}

	if levels := b.Levels(); levels["info"] != 1 || levels["warn"] != 1 || levels["error"] != 1 {
		t.Errorf("Levels() = %v", levels)
	}
}

func TestWriterIgnoresNonJSON(t *testing.T) {
	b := New(10)
	w := NewWriter(b, nil)
	n, err := w.Write([]byte("plain text\n"))
	if err != nil || n != len("plain text\n") {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}
