package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v4/opensearchutil"
)

// Document is one record for bulk indexing. An empty ID lets the cluster assign one.
type Document struct {
	ID     string
	Source any
}

// BulkResult summarises a bulk load.
type BulkResult struct {
	Indexed int
	Failed  int
	Errors  []error
}

// Err joins the per-item failures, or returns nil.
func (r BulkResult) Err() error {
	return errors.Join(r.Errors...)
}

// IndexDocument writes a single document and returns the server's result
// ("created" or "updated").
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc any) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal doc: %w", err)
	}

	resp, err := c.api.Index(ctx, opensearchapi.IndexReq{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
	})
	if err != nil {
		path := "/" + index + "/_doc"
		if resp != nil {
			return "", fmt.Errorf("index doc: %w", statusFromResponse(http.MethodPost, path, resp.Inspect().Response, err))
		}
		return "", fmt.Errorf("index doc: %w", err)
	}

	return resp.Result, nil
}

// BulkIndex loads docs into index through the bulk indexer. Item failures are
// collected rather than aborting the batch; the returned error covers only
// setup and flush problems.
func (c *Client) BulkIndex(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	var (
		mu     sync.Mutex
		result BulkResult
	)

	indexer, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     c.api,
		Index:      index,
		NumWorkers: 1,
		OnError: func(_ context.Context, err error) {
			mu.Lock()
			result.Errors = append(result.Errors, err)
			mu.Unlock()
		},
	})
	if err != nil {
		return result, fmt.Errorf("create bulk indexer: %w", err)
	}

	for i, doc := range docs {
		payload, err := json.Marshal(doc.Source)
		if err != nil {
			mu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("marshal document %d: %w", i, err))
			mu.Unlock()
			continue
		}

		err = indexer.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(payload),
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, res opensearchapi.BulkRespItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("document %q: %w", item.DocumentID, err))
					return
				}
				result.Errors = append(result.Errors, fmt.Errorf("document %q: status %d", item.DocumentID, res.Status))
			},
		})
		if err != nil {
			mu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("queue document %d: %w", i, err))
			mu.Unlock()
		}
	}

	if err := indexer.Close(ctx); err != nil {
		return result, fmt.Errorf("flush bulk indexer: %w", err)
	}

	stats := indexer.Stats()
	result.Indexed = int(stats.NumIndexed) + int(stats.NumCreated)
	result.Failed += int(stats.NumFailed)

	c.log.Debug("bulk load finished",
		"index", index,
		"indexed", result.Indexed,
		"failed", result.Failed,
	)

	return result, nil
}
