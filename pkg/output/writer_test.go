package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, line []byte, data any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if data != nil {
		require.NoError(t, json.Unmarshal(record.Data, data))
	}
	return record
}

func TestJSONLWriter_WriteCable(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "shellphish")
	fixed := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	kind := "reassembler"
	ruleID := int64(9)
	cable := &CableRecord{
		CableID:  4,
		TargetID: 2,
		Target:   "CROMU_00001",
		RoundNum: 3,
		Artifacts: []CableArtifact{
			{ArtifactID: 11, Name: "CROMU_00001_1", SHA256: strings.Repeat("a", 64), PatchKind: &kind, SizeBytes: 4096},
			{ArtifactID: 12, Name: "CROMU_00001_2", SHA256: strings.Repeat("b", 64), PatchKind: &kind, SizeBytes: 2048},
		},
		RuleID:     &ruleID,
		RuleSHA256: strings.Repeat("c", 64),
		Rules:      `alert tcp any any -> any any (msg:"x";)`,
		CreatedAt:  fixed.Add(-time.Minute),
	}
	require.NoError(t, w.WriteCable(context.Background(), cable))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	var got CableRecord
	record := decodeOne(t, buf.Bytes(), &got)
	assert.Equal(t, TypeCable, record.Type)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, "shellphish", record.Team)
	assert.True(t, fixed.Equal(record.TS))
	assert.Equal(t, *cable, got)
	assert.NotContains(t, buf.String(), "already_satisfied")
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-2", "")

	key := "17"
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{
		JobID:      5,
		ArtifactID: 1,
		Worker:     "driller",
		State:      "unstarted",
		Priority:   10,
		InputKey:   &key,
		Payload:    json.RawMessage(`{"test_id":17}`),
		CreatedAt:  time.Now().UTC(),
	}))

	var got JobRecord
	record := decodeOne(t, buf.Bytes(), &got)
	assert.Equal(t, TypeJob, record.Type)
	assert.NotContains(t, buf.String(), `"team"`)
	assert.Equal(t, "driller", got.Worker)
	assert.JSONEq(t, `{"test_id":17}`, string(got.Payload))
	assert.Nil(t, got.StartedAt)
}

func TestJSONLWriter_WriteErrorAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-3", "self")
	ctx := context.Background()

	require.NoError(t, w.WriteError(ctx, &ErrorRecord{
		Code:     ErrCodeInvariantViolation,
		Message:  "artifact 3 belongs to another target",
		CableID:  8,
		TargetID: 2,
	}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Cables:        3,
		Submitted:     1,
		Errors:        1,
		Skipped:       1,
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var errData ErrorRecord
	assert.Equal(t, TypeError, decodeOne(t, []byte(lines[0]), &errData).Type)
	assert.Equal(t, ErrCodeInvariantViolation, errData.Code)
	assert.Equal(t, int64(8), errData.CableID)

	var sum SummaryRecord
	assert.Equal(t, TypeSummary, decodeOne(t, []byte(lines[1]), &sum).Type)
	assert.Equal(t, int64(3), sum.Cables)
	assert.Equal(t, 1500*time.Millisecond, sum.Duration)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "self")
	require.NoError(t, w.Close())

	err := w.WriteCable(context.Background(), &CableRecord{CableID: 1})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "self")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteCable(context.Background(), &CableRecord{CableID: int64(writerID*writesPerWriter + j)})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	seen := make(map[int64]bool, len(lines))
	for i, line := range lines {
		var c CableRecord
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record), "line %d: %s", i, line)
		require.NoError(t, json.Unmarshal(record.Data, &c))
		seen[c.CableID] = true
	}
	assert.Len(t, seen, numWriters*writesPerWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "self")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteCable(ctx, &CableRecord{CableID: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run", "self")
		err := w.WriteCable(context.Background(), &CableRecord{CableID: 1})
		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, "write", writeErr.Op)
	})

	t.Run("short writes complete the line", func(t *testing.T) {
		sw := &shortWriteWriter{bytesPerWrite: 10}
		w := NewJSONLWriter(sw, "run", "self")
		require.NoError(t, w.WriteCable(context.Background(), &CableRecord{CableID: 1, Target: "KPRCA_00001"}))

		var got CableRecord
		decodeOne(t, bytes.TrimSpace(sw.buf.Bytes()), &got)
		assert.Equal(t, "KPRCA_00001", got.Target)
	})

	t.Run("zero write", func(t *testing.T) {
		w := NewJSONLWriter(&zeroWriteWriter{}, "run", "self")
		err := w.WriteCable(context.Background(), &CableRecord{CableID: 1})
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})

	t.Run("unmarshalable details", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewJSONLWriter(&buf, "run", "self")
		err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})
		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, "marshal_data", writeErr.Op)
	})
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (int, error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
