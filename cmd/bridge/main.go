package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapirtools/bridge/internal/catalog"
	"github.com/tapirtools/bridge/internal/dispatch"
	"github.com/tapirtools/bridge/internal/instances"
	"github.com/tapirtools/bridge/internal/paginate"
	"github.com/tapirtools/bridge/internal/schema"
	"github.com/tapirtools/bridge/internal/search"
	"github.com/tapirtools/bridge/internal/server"
	"github.com/tapirtools/bridge/internal/session"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SchemaPath string           `yaml:"schema"`
	IndexPath  string           `yaml:"index"`
	Instances  InstancesConfig  `yaml:"instances"`
	Search     SearchConfig     `yaml:"search"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Session    SessionConfig    `yaml:"session"`
	Pagination PaginationConfig `yaml:"pagination"`
}

type InstancesConfig struct {
	Host     string `yaml:"host"`
	BasePort int    `yaml:"base_port"`
	PortSpan int    `yaml:"port_span"`
	Timeout  string `yaml:"timeout"`
}

type SearchConfig struct {
	APIKey   string  `yaml:"api_key"`
	BaseURL  string  `yaml:"base_url"`
	Model    string  `yaml:"model"`
	MinScore float64 `yaml:"min_score"`
}

type DispatchConfig struct {
	InlineMaxBytes int `yaml:"inline_max_bytes"`
}

type SessionConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	MaxBytes   int    `yaml:"max_bytes"`
	TTL        string `yaml:"ttl"`
}

type PaginationConfig struct {
	PageSize     int    `yaml:"page_size"`
	TTL          string `yaml:"ttl"`
	MaxSnapshots int    `yaml:"max_snapshots"`
}

// parseDuration reads a config duration like "30s"; empty selects the
// component default.
func parseDuration(name, value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fatalf("Error parsing %s duration %q: %v", name, value, err)
	}
	return d
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	schemaPath := flag.String("schema", "", "Path to the command schema document (overrides config)")
	indexPath := flag.String("index", "", "Path to the search index database (overrides config)")
	flag.Parse()

	// Default config
	cfg := Config{
		SchemaPath: "schema.json",
		IndexPath:  "index.db",
		Search: SearchConfig{
			APIKey: "${OPENAI_API_KEY}",
		},
	}

	// Load config file if provided
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fatalf("Error reading config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fatalf("Error parsing config: %v", err)
		}
	}
	if *schemaPath != "" {
		cfg.SchemaPath = *schemaPath
	}
	if *indexPath != "" {
		cfg.IndexPath = *indexPath
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Resolve the schema document into the tool catalog. A resolution
	// failure means the document itself is broken, so we refuse to start.
	doc, err := schema.LoadDocument(cfg.SchemaPath)
	if err != nil {
		fatalf("Error loading schema document: %v", err)
	}
	cat, err := catalog.Build(doc)
	if err != nil {
		fatalf("Error resolving command schemas: %v", err)
	}

	// Build or load the search index. Without an API key the index still
	// works in keyword-only mode.
	var embedder search.Embedder
	if key := os.ExpandEnv(cfg.Search.APIKey); key != "" {
		embedder = search.NewOpenAIEmbedder(key, cfg.Search.BaseURL, cfg.Search.Model)
	}

	store, err := search.OpenStore(cfg.IndexPath)
	if err != nil {
		fatalf("Error opening index store: %v", err)
	}
	defer store.Close()

	index, err := search.Build(ctx, cat, embedder, store)
	if err != nil {
		fatalf("Error building search index: %v", err)
	}
	if cfg.Search.MinScore > 0 {
		index.SetMinScore(cfg.Search.MinScore)
	}

	directory := instances.NewHTTPDirectory(instances.HTTPConfig{
		Host:     cfg.Instances.Host,
		BasePort: cfg.Instances.BasePort,
		PortSpan: cfg.Instances.PortSpan,
		Timeout:  parseDuration("instances.timeout", cfg.Instances.Timeout),
	})
	pages := paginate.NewManager(cfg.Pagination.PageSize,
		parseDuration("pagination.ttl", cfg.Pagination.TTL), cfg.Pagination.MaxSnapshots)
	handles := session.NewStore(cfg.Session.MaxEntries, cfg.Session.MaxBytes,
		parseDuration("session.ttl", cfg.Session.TTL))
	dispatcher := dispatch.New(cat, directory, pages, handles, cfg.Dispatch.InlineMaxBytes)

	// Create and run server
	srv := server.New(ctx, server.Deps{
		Catalog:    cat,
		Index:      index,
		Directory:  directory,
		Dispatcher: dispatcher,
		Handles:    handles,
	})
	if err := srv.Run(); err != nil {
		fatalf("Server error: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
