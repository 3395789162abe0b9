package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/report"
)

const intermediateTTL = 24 * time.Hour

const (
	fieldChunks     = "chunks"
	fieldReportJSON = "report_json"
)

var (
	intermediateRawBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covpipe_intermediate_report_raw_bytes",
		Help:    "Serialised intermediate report sizes before compression.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"field"})
	intermediateCompressedBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covpipe_intermediate_report_compressed_bytes",
		Help:    "Intermediate report sizes after zstd compression.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"field"})
)

func init() {
	prometheus.MustRegister(intermediateRawBytes, intermediateCompressedBytes)
}

// IntermediateStore holds one compressed partial report per upload between
// the Processor that produced it and the Finisher that merges it. Entries
// expire after 24h; a Finisher stalled past that substitutes empty reports
// rather than failing the commit.
type IntermediateStore struct {
	cache   covpipe.Cache
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	key     func(uploadID int64) string
}

func NewIntermediateStore(cache covpipe.Cache) (*IntermediateStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &IntermediateStore{cache: cache, encoder: enc, decoder: dec, key: intermediateReportKey}, nil
}

// Shadow returns a view over the parallel experiment's key namespace,
// sharing the codec.
func (s *IntermediateStore) Shadow() *IntermediateStore {
	shadow := *s
	shadow.key = shadowIntermediateReportKey
	return &shadow
}

// Save serialises, compresses and writes the report under the upload's key.
func (s *IntermediateStore) Save(ctx context.Context, uploadID int64, r *report.Report) error {
	chunks, reportJSON, err := r.Serialize()
	if err != nil {
		return fmt.Errorf("serialise intermediate report for upload %d: %w", uploadID, err)
	}
	fields := map[string][]byte{}
	for field, raw := range map[string][]byte{fieldChunks: chunks, fieldReportJSON: reportJSON} {
		compressed := s.encoder.EncodeAll(raw, nil)
		intermediateRawBytes.WithLabelValues(field).Observe(float64(len(raw)))
		intermediateCompressedBytes.WithLabelValues(field).Observe(float64(len(compressed)))
		fields[field] = compressed
	}
	key := s.key(uploadID)
	if err := s.cache.HSet(ctx, key, fields); err != nil {
		return err
	}
	return s.cache.Expire(ctx, key, intermediateTTL)
}

// LoadMany fetches the reports for ids in order. An expired or missing
// entry yields an empty report so long stalls degrade to losing that
// upload's data instead of wedging the commit.
func (s *IntermediateStore) LoadMany(ctx context.Context, ids []int64) ([]*report.Report, error) {
	reports := make([]*report.Report, 0, len(ids))
	for _, id := range ids {
		fields, err := s.cache.HGetAll(ctx, s.key(id))
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			reports = append(reports, report.New())
			continue
		}
		chunks, err := s.decompress(fields[fieldChunks])
		if err != nil {
			return nil, fmt.Errorf("decompress chunks for upload %d: %w", id, err)
		}
		reportJSON, err := s.decompress(fields[fieldReportJSON])
		if err != nil {
			return nil, fmt.Errorf("decompress report_json for upload %d: %w", id, err)
		}
		r, err := report.Deserialize(chunks, reportJSON)
		if err != nil {
			return nil, fmt.Errorf("deserialise intermediate report for upload %d: %w", id, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// DeleteMany removes merged entries; deleting already-deleted entries is a
// no-op.
func (s *IntermediateStore) DeleteMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	_, err := s.cache.Delete(ctx, keys)
	return err
}

func (s *IntermediateStore) decompress(ba []byte) ([]byte, error) {
	if len(ba) == 0 {
		return nil, nil
	}
	return s.decoder.DecodeAll(ba, nil)
}
