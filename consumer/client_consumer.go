package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"health-program-service/models"
	"health-program-service/utils"

	"github.com/segmentio/kafka-go"
)

// ClientEvent is the envelope handlers publish to client_events. Data, when
// present, is the profile as it was at publish time; the consumer re-reads
// the database instead of trusting it, so out-of-order delivery cannot
// roll the cache back.
type ClientEvent struct {
	Event string          `json:"event"`
	ID    uint            `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientConsumer keeps the Redis profile cache and the Elasticsearch
// clients index in step with Postgres. It never writes to Postgres: the
// HTTP handlers are the only write path.
type ClientConsumer struct {
	repo     models.Repository
	cache    utils.RedisClient
	es       utils.ElasticsearchClient
	reader   *kafka.Reader
	shutdown chan struct{}
}

func NewClientConsumer(repo models.Repository, cache utils.RedisClient, es utils.ElasticsearchClient) *ClientConsumer {
	return &ClientConsumer{
		repo:  repo,
		cache: cache,
		es:    es,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{os.Getenv("KAFKA_BROKER")},
			Topic:   utils.TopicClientEvents,
			GroupID: "health-program-group",
			MaxWait: 10 * time.Second,
		}),
		shutdown: make(chan struct{}),
	}
}

func (c *ClientConsumer) Start(ctx context.Context) {
	log.Println("Starting Kafka consumer...")

	go func() {
		for {
			select {
			case <-c.shutdown:
				return
			default:
				c.processMessages(ctx)
			}
		}
	}()
}

func (c *ClientConsumer) Stop() {
	close(c.shutdown)
	if err := c.reader.Close(); err != nil {
		log.Printf("Error closing Kafka reader: %v", err)
	}
}

func (c *ClientConsumer) processMessages(ctx context.Context) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("Kafka read error: %v (will retry)", err)
		time.Sleep(5 * time.Second)
		return
	}

	var event ClientEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Printf("Failed to unmarshal Kafka message: %v", err)
		return
	}

	switch event.Event {
	case "client_registered", "client_updated", "client_enrolled", "client_unenrolled":
		c.refreshClient(ctx, event.ID)
	case "client_deleted":
		c.dropClient(ctx, event.ID)
	default:
		log.Printf("Unknown event type: %s", event.Event)
	}
}

// refreshClient re-reads the client and pushes the current profile into
// the cache and the search index.
func (c *ClientConsumer) refreshClient(ctx context.Context, clientID uint) {
	client, err := c.repo.GetClientByID(clientID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Deleted between publish and consume; treat as a delete.
			c.dropClient(ctx, clientID)
			return
		}
		log.Printf("Failed to load client %d for cache refresh: %v", clientID, err)
		return
	}

	clientJSON, err := json.Marshal(client)
	if err != nil {
		log.Printf("Failed to marshal client to JSON: %v", err)
		return
	}

	if err := c.cache.SetToCache(ctx, utils.ClientCacheKey(clientID), string(clientJSON), 24*time.Hour); err != nil {
		log.Printf("Failed to cache client: %v", err)
	}

	if c.es != nil {
		if err := c.es.IndexClient(ctx, "clients", fmt.Sprintf("%d", clientID), client); err != nil {
			log.Printf("Failed to index client in Elasticsearch: %v", err)
		}
	}

	log.Printf("Refreshed derived stores for client ID %d", clientID)
}

func (c *ClientConsumer) dropClient(ctx context.Context, clientID uint) {
	if err := c.cache.DeleteFromCache(ctx, utils.ClientCacheKey(clientID)); err != nil {
		log.Printf("Failed to delete client from cache: %v", err)
	}

	if c.es != nil {
		if err := c.es.DeleteClient(ctx, "clients", fmt.Sprintf("%d", clientID)); err != nil {
			log.Printf("Failed to delete client from Elasticsearch: %v", err)
		}
	}

	log.Printf("Dropped derived records for client ID %d", clientID)
}
