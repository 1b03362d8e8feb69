/**
 * TextRealign Worker - Main Entry Point
 *
 * Go worker that turns OCR word tables into reconstructed text lines.
 *
 * Architecture:
 * - Redis list or Asynq consumer for the job queue
 * - Page decoding and word-level Tesseract OCR
 * - Confidence filter and fixed-point line realignment
 * - Optional VoyageAI embeddings of realigned lines, indexed in Qdrant
 * - PostgreSQL persistence for job status and realigned tables
 * - HTTP API for direct filter/realign calls, job lookup, line search and stats
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/api"
	"github.com/adverant/nexus/textrealign-worker/internal/config"
	"github.com/adverant/nexus/textrealign-worker/internal/logging"
	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/adverant/nexus/textrealign-worker/internal/queue"
	"github.com/adverant/nexus/textrealign-worker/internal/realign"
	"github.com/adverant/nexus/textrealign-worker/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("TextRealign Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Qdrant=%s, Backend=%s, Workers=%d",
		cfg.RedisURL, cfg.QdrantURL, cfg.QueueBackend, cfg.WorkerConcurrency)

	// Initialize unified storage manager (PostgreSQL + Qdrant)
	log.Printf("Connecting to storage (PostgreSQL + Qdrant)...")
	storageManager, err := storage.NewStorageManager(
		cfg.DatabaseURL,
		cfg.QdrantURL,
		cfg.QdrantCollection,
	)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	log.Printf("Storage manager initialized (indexing=%v)", storageManager.IndexingEnabled())

	realignOpts := realign.Options{
		LeftDistance: cfg.RealignLeftDistance,
		TopDistance:  cfg.RealignTopDistance,
		MaxPasses:    cfg.RealignMaxPasses,
		Workers:      cfg.RealignWorkers,
	}

	// OCR is optional: without it the worker still realigns TSV uploads
	var ocr processor.OCREngine
	tesseract, err := processor.NewTesseractOCR(&processor.TesseractConfig{
		Language:    cfg.TesseractLanguage,
		PageSegMode: cfg.TesseractPSM,
		Blacklist:   cfg.TesseractBlacklist,
	})
	if err != nil {
		log.Printf("Warning: Tesseract disabled: %v", err)
	} else {
		ocr = tesseract
	}

	var embedder processor.Embedder
	if cfg.VoyageAPIKey != "" {
		client, err := processor.NewEmbeddingClient(processor.EmbeddingConfig{APIKey: cfg.VoyageAPIKey})
		if err != nil {
			log.Fatalf("Failed to initialize embedding client: %v", err)
		}
		embedder = client
		log.Printf("VoyageAI embeddings enabled for line indexing")
	}

	// Initialize document processor
	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		MaxFileSize:   cfg.MaxFileSize,
		Realign:       realignOpts,
		ConfThreshold: cfg.ConfThreshold,
		RowTolerance:  processor.DefaultRowTolerance,
		Store:         storageManager,
		OCR:           ocr,
		Decoder:       processor.NewPageDecoder(processor.PageDecoderConfig{Preprocess: cfg.PreprocessImages}),
		Embedder:      embedder,
	})
	if err != nil {
		log.Fatalf("Failed to initialize document processor: %v", err)
	}
	log.Printf("Document processor initialized (left=%d, top=%d, threshold=%d)",
		cfg.RealignLeftDistance, cfg.RealignTopDistance, cfg.ConfThreshold)

	// Initialize queue consumer
	ctx := context.Background()
	var (
		jobQueue     api.JobQueue
		stopConsumer func() error
	)
	switch cfg.QueueBackend {
	case config.BackendAsynq:
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			log.Fatalf("Failed to initialize enqueuer: %v", err)
		}
		jobQueue = enqueuer
		stopConsumer = func() error {
			if err := consumer.Stop(ctx); err != nil {
				return err
			}
			return enqueuer.Close()
		}

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := consumer.Start(); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		jobQueue = consumer
		stopConsumer = consumer.Stop
	}
	log.Printf("Queue consumer started (backend=%s, queue=%s, concurrency=%d)",
		cfg.QueueBackend, cfg.QueueName, cfg.WorkerConcurrency)

	// Line search needs both the embedder and the Qdrant index
	var (
		searchEmbedder processor.Embedder
		lineIndex      api.LineIndex
	)
	if storageManager.IndexingEnabled() && embedder != nil {
		searchEmbedder = embedder
		lineIndex = storageManager
	}

	// Start HTTP API
	apiServer, err := api.NewServer(&api.ServerConfig{
		Processor:     proc,
		Queue:         jobQueue,
		Store:         storageManager,
		Embedder:      searchEmbedder,
		Lines:         lineIndex,
		Realign:       realignOpts,
		ConfThreshold: cfg.ConfThreshold,
		MaxBodySize:   cfg.MaxFileSize,
		MaxRetries:    cfg.MaxRetries,
		Logger:        logging.NewLogger("api"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize HTTP API: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("TextRealign Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("HTTP: %s", cfg.HTTPAddr)
	log.Printf("OCR: %v, Indexing: %v", ocr != nil, storageManager.IndexingEnabled() && embedder != nil)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	// Stop queue consumer
	log.Printf("Stopping queue consumer...")
	if err := stopConsumer(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	// Close storage manager
	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}
