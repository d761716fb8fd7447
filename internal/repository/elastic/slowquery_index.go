package elastic

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// SlowQueryIndex mirrors slow-query records into Elasticsearch for ad-hoc
// forensic search over query shapes and table names. Indexing happens off the
// request path (from the ingestion workers) and is best effort; a failed index
// never fails ingestion.
type SlowQueryIndex struct {
	client *client.ESClient
	index  string
}

func NewSlowQueryIndex(client *client.ESClient, index string) *SlowQueryIndex {
	return &SlowQueryIndex{client: client, index: index}
}

// Index writes one slow-query document. Query shapes are sanitized before
// indexing since they originate from the data layer verbatim.
func (s *SlowQueryIndex) Index(ctx context.Context, m *model.SlowQueryMetric) error {
	doc := map[string]interface{}{
		"metric_id":   m.MetricID,
		"timestamp":   m.Timestamp.UTC(),
		"table_name":  m.TableName,
		"duration_ms": m.DurationMs,
		"query_shape": util.SanitizeInput(m.QueryShape),
	}

	res, err := s.client.IndexDocument(ctx, s.index, m.MetricID, doc)
	if err != nil {
		return fmt.Errorf("failed to index slow query: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}

	return nil
}

type searchHit struct {
	Source struct {
		MetricID   string `json:"metric_id"`
		TableName  string `json:"table_name"`
		DurationMs int64  `json:"duration_ms"`
		QueryShape string `json:"query_shape"`
	} `json:"_source"`
}

type searchResult struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

// SearchShapes runs a match query over indexed query shapes, optionally
// constrained to one table.
func (s *SlowQueryIndex) SearchShapes(ctx context.Context, pattern, tableName string, limit int) ([]*model.SlowQueryMetric, error) {
	if util.ContainsSuspicious(pattern) {
		return nil, fmt.Errorf("%w: suspicious search pattern", model.ErrInvalidRecord)
	}

	must := []map[string]interface{}{
		{"match": map[string]interface{}{"query_shape": pattern}},
	}
	if tableName != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"table_name": tableName},
		})
	}

	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []map[string]interface{}{
			{"duration_ms": map[string]interface{}{"order": "desc"}},
		},
	}

	res, err := s.client.Search(ctx, s.index, query)
	if err != nil {
		return nil, model.StoreError("search slow queries", err)
	}

	var parsed searchResult
	if err := s.client.ParseResponse(res, &parsed); err != nil {
		util.Error("Failed to parse slow query search response", zap.Error(err))
		return nil, model.StoreError("parse slow query search", err)
	}

	out := make([]*model.SlowQueryMetric, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, &model.SlowQueryMetric{
			MetricID:   hit.Source.MetricID,
			TableName:  hit.Source.TableName,
			DurationMs: hit.Source.DurationMs,
			QueryShape: hit.Source.QueryShape,
		})
	}
	return out, nil
}
