package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// archivePartSize is the multipart chunk for archive uploads.
const archivePartSize int64 = 8 * 1024 * 1024

// TerminalTrades is the slice of domain.CopyTradeStore the archiver reads.
type TerminalTrades interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.CopyTrade, error)
}

// Archiver snapshots terminal copy trades to JSONL objects keyed by cutoff
// day. Rows are not deleted from the primary store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades TerminalTrades
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. reader and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, trades TerminalTrades, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		trades: trades,
		audit:  audit,
	}
}

// ArchiveCopyTrades uploads every terminal trade created before the cutoff
// to archive/copy_trades/YYYY-MM-DD.jsonl and returns the row count. A day
// that already has an object is skipped.
func (a *Archiver) ArchiveCopyTrades(ctx context.Context, before time.Time) (int, error) {
	path := ArchivePath("copy_trades", before)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive exists %s: %w", path, err)
		}
		if exists {
			return 0, nil
		}
	}

	trades, err := a.trades.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive copy trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive copy trades marshal: %w", err)
	}
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), archivePartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive copy trades upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.copy_trades", map[string]any{
			"path":   path,
			"count":  len(trades),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return len(trades), fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return len(trades), nil
}

// ArchivePath builds the object key for kind at the cutoff's UTC day.
func ArchivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
