package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver. Each sweep becomes one JSONL object
// at {prefix}/YYYY/MM/DD/intents-{cutoff}.jsonl. Deleting the archived rows
// from Postgres is left to the caller once the upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "intents"
	}
	return &Archiver{writer: writer, audit: audit, prefix: prefix}
}

// ArchiveIntents uploads intents and returns the object path. An empty
// batch uploads nothing and returns "".
func (a *Archiver) ArchiveIntents(ctx context.Context, intents []domain.TradeIntent, cutoff time.Time) (string, error) {
	if len(intents) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(intents)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive intents: %w", err)
	}

	p := archivePath(a.prefix, cutoff)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, p, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, p, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive intents upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.intents", map[string]any{
			"path":   p,
			"count":  len(intents),
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		}); err != nil {
			return p, fmt.Errorf("s3blob: archive intents audit: %w", err)
		}
	}
	return p, nil
}

func archivePath(prefix string, cutoff time.Time) string {
	c := cutoff.UTC()
	return path.Join(prefix, c.Format("2006/01/02"), fmt.Sprintf("intents-%d.jsonl", c.Unix()))
}

// marshalJSONL encodes each record as one compact JSON line.
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

var _ domain.Archiver = (*Archiver)(nil)
