// Command bucketworker is the ingestion worker process (spec.md §1): it
// consumes decoded batches off a durable AMQP queue and writes them through
// the coalesce → upsert/reconcile → bucket-write pipeline into MongoDB,
// gated by Redis locks and a memcache existence cache.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tsingest/bucketworker/internal/admin"
	"github.com/tsingest/bucketworker/internal/broker"
	"github.com/tsingest/bucketworker/internal/bucket"
	"github.com/tsingest/bucketworker/internal/cache"
	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/consumer"
	"github.com/tsingest/bucketworker/internal/datatype"
	"github.com/tsingest/bucketworker/internal/eventbucket"
	"github.com/tsingest/bucketworker/internal/lock"
	"github.com/tsingest/bucketworker/internal/measurement"
	"github.com/tsingest/bucketworker/internal/message"
	"github.com/tsingest/bucketworker/internal/store"
	"github.com/tsingest/bucketworker/internal/telemetry"
	"github.com/tsingest/bucketworker/internal/valuetype"

	"github.com/prometheus/client_golang/prometheus"
)

// identifierField names the meta field that carries a message's measurement
// identifier (spec.md §6: "externally defined; the core treats it as
// already provided by DataMessage construction"). Override per deployment
// with BUCKETWORKER_IDENTIFIER_FIELD if a data type's schema names it
// something other than "identifier".
var identifierField = envOr("BUCKETWORKER_IDENTIFIER_FIELD", "identifier")

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func resolveIdentifier(dataType string, meta map[string]any) (string, bool) {
	id, ok := meta[identifierField].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := connectMongo(ctx, cfg)
	if err != nil {
		log.Fatalf("bucketworker: connect mongo: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf("bucketworker: mongo disconnect: %v", err)
		}
	}()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
	})
	defer redisClient.Close()

	memcacheClient := memcache.New(fmt.Sprintf("%s:%s", cfg.MemcacheHost, cfg.MemcachePort))

	snapshot, err := datatype.OpenSnapshot(config.RegistrySnapshotPath)
	if err != nil {
		log.Printf("bucketworker: open registry snapshot, continuing without it: %v", err)
	} else {
		defer func() {
			if err := snapshot.Close(); err != nil {
				log.Printf("bucketworker: close registry snapshot: %v", err)
			}
		}()
	}

	documentStore := store.NewMongo(mongoClient)
	registry := datatype.New(documentStore, cfg.IgnoreDatabases)

	if snapshot != nil {
		if warm, err := snapshot.Load(); err != nil {
			log.Printf("bucketworker: load registry snapshot: %v", err)
		} else if len(warm) > 0 {
			registry.Seed(warm)
			log.Printf("bucketworker: seeded registry with %d data types from snapshot", len(warm))
		}
	}

	if err := registry.Refresh(ctx); err != nil {
		log.Printf("bucketworker: initial registry refresh failed, continuing with snapshot/empty registry: %v", err)
	} else if snapshot != nil {
		if err := snapshot.Save(snapshotOf(registry)); err != nil {
			log.Printf("bucketworker: save registry snapshot: %v", err)
		}
	}

	metricsRegistry := prometheus.NewRegistry()
	metrics := telemetry.New(metricsRegistry)
	monitor := &admin.ConsumerMonitor{}

	cacheGate := cache.New(memcacheClient)
	locker := lock.NewInstrumented(lock.New(redisClient), metrics.ObserveLockWait)

	logf := func(format string, args ...any) { log.Printf("bucketworker: "+format, args...) }

	decoder := message.New(registry, resolveIdentifier, logf)
	decoder.SetOnSkip(func(reason string) { metrics.ItemsSkipped.WithLabelValues(reason).Inc() })
	upserter := measurement.New(documentStore, cacheGate, locker, logf)
	reconciler := valuetype.New(documentStore, cacheGate, locker, logf)
	bucketWriter := bucket.New(documentStore, cacheGate, locker, logf)
	eventWriter := eventbucket.New(documentStore, cacheGate, locker, logf)
	bucketWriter.SetOnOverlap(func() { metrics.OverlapsResolved.Inc() })

	feed := admin.NewFeedHub()
	notify := func(kind, dataType, identifier string, start, end int64) {
		metrics.BucketWrites.WithLabelValues(kind).Inc()
		feed.Publish(admin.CommitEvent{Kind: kind, DataType: dataType, Identifier: identifier, Start: start, End: end})
	}
	bucketWriter.SetNotify(notify)
	eventWriter.SetNotify(notify)

	pipeline := consumer.New(registry, decoder, upserter, reconciler, bucketWriter, eventWriter,
		int32(config.DataCacheExpiration.Seconds()))

	rabbitURL := fmt.Sprintf("amqp://%s:%s/", cfg.RabbitHost, cfg.RabbitPort)
	consumerClient := broker.New(rabbitURL, cfg.RabbitQueue, config.QueuePrefetchCount)

	loop := consumer.NewLoop(consumerClient, pipeline, monitor, metrics, logf)

	adminServer := admin.NewServer(cfg.AdminAddr, monitor, metricsRegistry, feed)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := adminServer.Run(ctx); err != nil {
			log.Printf("bucketworker: admin server: %v", err)
		}
	}()

	log.Printf("bucketworker: running, admin surface on %s", cfg.AdminAddr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			log.Println("bucketworker: SIGHUP received, ignoring")
			continue
		}
		log.Printf("bucketworker: %v received, shutting down", sig)
		break
	}

	loop.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("bucketworker: shut down cleanly")
	case <-time.After(30 * time.Second):
		log.Println("bucketworker: shutdown timed out, exiting anyway")
	}
}

func snapshotOf(r *datatype.Registry) map[string]*datatype.DataType {
	names := r.Names()
	out := make(map[string]*datatype.DataType, len(names))
	for _, name := range names {
		if dt := r.Get(name); dt != nil {
			out[name] = dt
		}
	}
	return out
}

func connectMongo(ctx context.Context, cfg config.Config) (*mongo.Client, error) {
	uri := fmt.Sprintf("mongodb://%s:%s", cfg.MongoHost, cfg.MongoPort)
	opts := options.Client().ApplyURI(uri)
	if cfg.MongoUser != "" {
		opts.SetAuth(options.Credential{
			Username: cfg.MongoUser,
			Password: cfg.MongoPassword,
		})
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}
