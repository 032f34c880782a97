package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tripsync/internal/general/contracts"
	"tripsync/internal/general/logger"
	"tripsync/internal/general/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChangeFeed turns the doc_topic event stream into live subscriptions for a
// PostgresStore. Every node runs its own feed on a private exclusive queue,
// so a mutation made anywhere in the cluster reaches every node's listeners.
type ChangeFeed struct {
	client *rabbitmq.Client
	logger *logger.Logger
	subs   *subscribers
	queue  *dispatchQueue
	store  *PostgresStore
}

// NewChangeFeed creates a feed over an established broker connection.
func NewChangeFeed(client *rabbitmq.Client, log *logger.Logger) *ChangeFeed {
	return &ChangeFeed{
		client: client,
		logger: log,
		subs:   newSubscribers(),
		queue:  newDispatchQueue(),
	}
}

// bind attaches the backing store used for initial deliveries and query
// re-reads. Called once from NewPostgresStore.
func (feed *ChangeFeed) bind(store *PostgresStore) {
	feed.store = store
}

// Close drains pending deliveries and stops the dispatcher.
func (feed *ChangeFeed) Close() {
	feed.queue.close()
}

// Run consumes document change events until ctx is cancelled.
func (feed *ChangeFeed) Run(ctx context.Context) error {
	err := feed.client.ConsumeBound(ctx, contracts.ExchangeDocTopic, contracts.RouteDocAll,
		"change-feed", 64, feed.handleDelivery)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("change feed consume: %w", err)
	}
	return nil
}

func (feed *ChangeFeed) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	var msg contracts.DocChangeMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		feed.logger.Error(ctx, "doc_change_decode_failed", "Could not decode document change event", err, map[string]any{
			"routing_key": d.RoutingKey,
		})
		return err
	}

	col := Collection(msg.Collection)
	snap := Snapshot{
		Collection: col,
		DocID:      msg.DocID,
		Exists:     msg.Exists,
		Data:       msg.Body,
	}

	for _, sub := range feed.subs.docSubs(col, msg.DocID) {
		sub := sub
		feed.queue.enqueue(func() { sub.deliver(snap, nil) })
	}

	// Query subscribers always see the full current result set, so re-read the
	// collection once per event and fan that out.
	if querySubs := feed.subs.querySubs(col); len(querySubs) > 0 {
		snaps, err := feed.store.List(ctx, col)
		for _, sub := range querySubs {
			sub := sub
			feed.queue.enqueue(func() { sub.deliver(snaps, err) })
		}
	}

	return nil
}

// Subscribe registers a standing listener on one document. The current state
// is read from the store and delivered first, even when the document does not
// exist yet.
func (feed *ChangeFeed) Subscribe(col Collection, docID string, fn ChangeFunc) (Handle, error) {
	sub := feed.subs.addDoc(col, docID, fn)

	snap := Snapshot{Collection: col, DocID: docID}
	var raw json.RawMessage
	err := feed.store.Get(context.Background(), col, docID, &raw)
	switch {
	case err == nil:
		snap.Exists = true
		snap.Data = raw
	case errors.Is(err, ErrNotFound):
		// absent initial state is a valid delivery
		err = nil
	}

	initialErr := err
	feed.queue.enqueue(func() { sub.deliver(snap, initialErr) })
	return sub, nil
}

// SubscribeQuery registers a standing listener on a whole collection, with an
// immediate initial delivery of the current result set.
func (feed *ChangeFeed) SubscribeQuery(col Collection, fn QueryFunc) (Handle, error) {
	sub := feed.subs.addQuery(col, fn)

	snaps, err := feed.store.List(context.Background(), col)
	feed.queue.enqueue(func() { sub.deliver(snaps, err) })
	return sub, nil
}
