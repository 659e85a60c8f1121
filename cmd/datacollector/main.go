// Command datacollector runs the DataCollector domain service: feed
// and data-item ingestion over the message fabric, backed by MongoDB.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/config"
	"github.com/millegrilles/datacollector/internal/domain"
	"github.com/millegrilles/datacollector/internal/keymaster"
	"github.com/millegrilles/datacollector/internal/logging"
	"github.com/millegrilles/datacollector/internal/mapper"
	"github.com/millegrilles/datacollector/internal/mongodb"
	"github.com/millegrilles/datacollector/internal/monitoring"
	"github.com/millegrilles/datacollector/internal/topology"
)

const (
	volatilesQueue = domain.DomainName + "/volatiles"
	triggersQueue  = domain.DomainName + "/triggers"

	// Scheduler tick routing key, shared by every domain.
	scheduleKey = "evenement.global.cedule"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, JSONOutput: cfg.Logging.JSON})
	log := logging.WithComponent("main")
	log.Info().Str("domain", domain.DomainName).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, chain, err := loadIdentity(cfg.Instance.KeyPath, cfg.Instance.CertPath)
	if err != nil {
		log.Fatal().Err(err).Msg("service identity")
	}

	// Database.
	mongoClient, err := mongodb.Connect(ctx, cfg.Mongo)
	if err != nil {
		log.Fatal().Err(err).Msg("mongodb connect")
	}
	defer mongoClient.Close(context.Background())
	if err := mongoClient.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("mongodb indexes")
	}
	stores := mongodb.NewStores(mongoClient)

	// Certificate claims cache.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	claimsCache := certificates.NewCache(redisClient, time.Duration(cfg.Redis.CacheTTL)*time.Second)

	// Bus.
	signer := &bus.LocalSigner{Key: key, Chain: chain}
	validator := bus.NewChainValidator(claimsCache)
	amqpClient, err := bus.DialAMQP(cfg.Bus.URL, signer, validator, cfg.Bus.Prefetch)
	if err != nil {
		log.Fatal().Err(err).Msg("amqp connect")
	}
	defer amqpClient.Close()

	if err := declareQueues(amqpClient); err != nil {
		log.Fatal().Err(err).Msg("queue declaration")
	}

	// Domain wiring.
	metrics := monitoring.NewMetrics()
	manager := domain.NewManager(domain.Deps{
		Feeds:     stores.Feeds,
		Data:      stores.Data,
		DataFiles: stores.DataFiles,
		Views:     stores.Views,
		ViewData:  stores.ViewData,
		Volatiles: stores.Volatiles,
		TxLog:     stores.TxLog,
		Sessions:  mongoClient,
		KeyMaster: keymaster.NewClient(amqpClient, metrics),
		Topology:  topology.NewClient(amqpClient, metrics),
		Mapper:    mapper.NewClient(amqpClient, metrics),
		Publisher: amqpClient,
		Cipher:    bus.X25519Cipher{},
		Metrics:   metrics,
	})

	// Status surface.
	statusServer := monitoring.NewServer(cfg.Monitoring.Port, map[string]monitoring.HealthChecker{
		"mongodb": mongoClient.Ping,
		"bus":     func(context.Context) error { return amqpClient.Healthy() },
		"redis":   func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	go statusServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusServer.Shutdown(shutdownCtx)
	}()

	// Background loops.
	go manager.RunMaintenance(ctx)
	go func() {
		if err := amqpClient.Consume(ctx, triggersQueue, bus.MessageTrigger, manager.HandleMessage); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("trigger consumer stopped")
			stop()
		}
	}()
	go func() {
		if err := amqpClient.Consume(ctx, volatilesQueue, bus.MessageRequest, manager.HandleMessage); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("volatiles consumer stopped")
			stop()
		}
	}()

	log.Info().Msg("ready")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// declareQueues provisions the domain queues and their per-action
// bindings.
func declareQueues(c *bus.AMQPClient) error {
	public := certificates.ExchangePublic
	private := certificates.ExchangePrivate
	protected := certificates.ExchangeProtected
	d := domain.DomainName

	volatiles := bus.QueueConfig{
		Name:    volatilesQueue,
		TTL:     bus.DefaultQueueTTL,
		Durable: true,
		Bindings: []bus.Binding{
			// Public reads for the scraper role.
			bus.RequestBinding(public, d, domain.RequestGetFeedsForScraper),
			bus.RequestBinding(public, d, domain.RequestCheckExistingDataIds),
			bus.RequestBinding(public, d, domain.RequestGetFuuidsVolatile),
			// Private reads.
			bus.RequestBinding(private, d, domain.RequestGetFeeds),
			bus.RequestBinding(private, d, domain.RequestGetFeedViews),
			bus.RequestBinding(private, d, domain.RequestGetDataItemsMostRecent),
			bus.RequestBinding(private, d, domain.RequestGetDataItemsDateRange),
			// Protected reads for the mapper.
			bus.RequestBinding(protected, d, domain.RequestGetFeedData),
			bus.RequestBinding(protected, d, domain.RequestGetFeedViewData),
			// Public writes from scrapers.
			bus.CommandBinding(public, d, domain.TransactionSaveDataItem),
			bus.CommandBinding(public, d, domain.TransactionSaveDataItemV2),
			bus.CommandBinding(public, d, domain.CommandAddFuuidsVolatile),
			// Private writes from users.
			bus.CommandBinding(private, d, domain.TransactionCreateFeed),
			bus.CommandBinding(private, d, domain.TransactionUpdateFeed),
			bus.CommandBinding(private, d, domain.TransactionDeleteFeed),
			bus.CommandBinding(private, d, domain.TransactionRestoreFeed),
			bus.CommandBinding(private, d, domain.TransactionUpdateDataItem),
			bus.CommandBinding(private, d, domain.TransactionDeleteDataItems),
			bus.CommandBinding(private, d, domain.TransactionCreateFeedView),
			bus.CommandBinding(private, d, domain.TransactionUpdateFeedView),
			bus.CommandBinding(private, d, domain.CommandProcessView),
			// Protected write-back from the mapper.
			bus.CommandBinding(protected, d, domain.CommandInsertViewData),
		},
	}
	if err := c.DeclareQueue(volatiles); err != nil {
		return err
	}

	triggers := bus.QueueConfig{
		Name:    triggersQueue,
		Durable: true,
		Bindings: []bus.Binding{
			{Key: scheduleKey, Exchange: protected},
		},
	}
	return c.DeclareQueue(triggers)
}

// loadIdentity reads the ed25519 signing key and the PEM certificate
// chain, leaf first.
func loadIdentity(keyPath, certPath string) (ed25519.PrivateKey, []string, error) {
	if keyPath == "" || certPath == "" {
		return nil, nil, fmt.Errorf("key_path and cert_path are required")
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%s holds a %T, expected ed25519", keyPath, parsed)
	}

	chainPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	var chain []string
	rest := chainPEM
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		if b.Type == "CERTIFICATE" {
			chain = append(chain, string(pem.EncodeToMemory(b)))
		}
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("no certificates in %s", certPath)
	}
	return key, chain, nil
}
