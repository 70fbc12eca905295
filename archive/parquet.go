package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetEvent struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	JobID      string `parquet:"name=job_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Hash       string `parquet:"name=hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OccurredAt string `parquet:"name=occurred_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes every archived event to a snappy-compressed parquet
// file at path and returns the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, path string) (int, error) {
	records, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("archive: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("archive: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("archive: encode attributes: %w", err)
		}
		row := &parquetEvent{
			Sequence:   int64(rec.Sequence),
			Type:       rec.Type,
			JobID:      rec.Attributes["jobId"],
			Attributes: string(attrs),
			Hash:       rec.Hash,
			OccurredAt: time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("archive: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("archive: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("archive: close parquet file: %w", err)
	}
	return len(records), nil
}
