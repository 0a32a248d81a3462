package events

import "context"

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchPublisher writes events into monthly indices so retention is
// an index drop.
type ElasticsearchPublisher struct {
	indexer DocumentIndexer
	prefix  string
}

func NewElasticsearchPublisher(indexer DocumentIndexer, prefix string) *ElasticsearchPublisher {
	return &ElasticsearchPublisher{indexer: indexer, prefix: prefix}
}

func (p *ElasticsearchPublisher) IndexFor(event *SecurityEvent) string {
	return p.prefix + "-" + event.OccurredAt.Format("2006.01")
}

func (p *ElasticsearchPublisher) Publish(ctx context.Context, event *SecurityEvent) error {
	return p.indexer.IndexDocument(ctx, p.IndexFor(event), event.ID, event)
}
