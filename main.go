package main

import (
	"context"
	"os"

	"github.com/mudler/xlog"
	"github.com/sashabaranov/go-openai"

	"github.com/khub/knowledgehub/hub/engine"
	"github.com/khub/knowledgehub/hub/interfaces"
	"github.com/khub/knowledgehub/hub/store"
	"github.com/khub/knowledgehub/ingest"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		xlog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	openaiConfig := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		openaiConfig.BaseURL = cfg.OpenAIBaseURL
	}
	client := openai.NewClientWithConfig(openaiConfig)

	var st interfaces.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgresStore(context.Background(), cfg.DatabaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			xlog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		xlog.Info("Using PostgreSQL store")
	} else {
		st, err = store.NewMemoryStore(cfg.EmbeddingModel)
		if err != nil {
			xlog.Error("Failed to create in-memory store", "error", err)
			os.Exit(1)
		}
		xlog.Warn("DATABASE_URL not set, using in-memory store; data will not survive restarts")
	}
	defer st.Close()

	embedder := engine.NewOpenAIEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	chat := engine.NewOpenAIChat(client, cfg.LLMModel, cfg.LLMTimeout)
	hybrid := engine.NewHybridSearcher(st, st, embedder, engine.DefaultFusionConfig())
	packer := engine.NewPacker(engine.NewTokenCounter())
	composer := engine.NewComposer(hybrid, st, chat, packer, engine.DefaultComposerConfig())
	ingestor := ingest.NewIngestor(st, embedder, cfg.EmbeddingModel, cfg.EmbeddingsBatchSize)

	e := newAPI(st, hybrid, composer, ingestor, embedder, cfg.StorageDir)

	xlog.Info("Starting server", "address", cfg.ListenAddress)
	e.Logger.Fatal(e.Start(cfg.ListenAddress))
}
