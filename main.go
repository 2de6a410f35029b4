// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/AleutianRelay/llm"
	"github.com/AleutianAI/AleutianRelay/middleware"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/retrieval"
	"github.com/AleutianAI/AleutianRelay/routes"
	"github.com/AleutianAI/AleutianRelay/run"
	"github.com/AleutianAI/AleutianRelay/synthesis"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("relay-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildRetriever connects to Weaviate when a usable URL is configured,
// otherwise falls back to an in-memory corpus so the service still answers
// in lightweight mode.
func buildRetriever() run.Retriever {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode.")
		return retrieval.NewStaticRetriever(nil)
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", weaviateURL, "error", err)
		return retrieval.NewStaticRetriever(nil)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}
	weaviateClient, err := weaviate.NewClient(clientConf)
	if err != nil {
		slog.Error("Failed to create Weaviate client. Running in lightweight mode.", "error", err)
		return retrieval.NewStaticRetriever(nil)
	}

	if err := retrieval.EnsureSchema(context.Background(), weaviateClient); err != nil {
		log.Fatalf("FATAL: Could not verify the Weaviate schema: %v", err)
	}

	embedder, err := retrieval.NewHTTPEmbedder("")
	if err != nil {
		log.Fatalf("FATAL: Weaviate is configured but the embedder is not: %v", err)
	}
	return retrieval.NewWeaviateRetriever(weaviateClient, embedder)
}

func buildLLMClient() llm.Client {
	log.Println("Configuring the LLM Client")
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")

	var client llm.Client
	var err error
	switch llmBackendType {
	case "openai":
		client, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "local":
		client, err = llm.NewLocalLlamaCppClient()
		slog.Info("Using Local Llama.cpp LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to local")
		client, err = llm.NewLocalLlamaCppClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	return client
}

func controllerConfig() run.Config {
	cfg := run.DefaultConfig()
	if v := os.Getenv("APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("Invalid APPROVAL_TIMEOUT, keeping default", "value", v, "error", err)
		} else {
			cfg.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("APPROVAL_TIMEOUT_POLICY"); v != "" {
		switch run.TimeoutPolicy(v) {
		case run.TimeoutPolicyAbort, run.TimeoutPolicySkip:
			cfg.TimeoutPolicy = run.TimeoutPolicy(v)
		default:
			slog.Warn("Invalid APPROVAL_TIMEOUT_POLICY, keeping default", "value", v)
		}
	}
	return cfg
}

func main() {
	port := os.Getenv("RELAY_PORT")
	if port == "" {
		port = "12230"
	}

	logger := logging.New(logging.Config{
		Service: "relay-service",
		JSON:    true,
		Stdout:  true,
		LogDir:  os.Getenv("RELAY_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewRelayMetrics(promRegistry)

	retriever := buildRetriever()
	llmClient := buildLLMClient()
	synthesizer := synthesis.NewLLMSynthesizer(llmClient)

	runs := run.NewRegistry(retriever, synthesizer, controllerConfig(), metrics)
	defer runs.Shutdown()

	router := gin.Default()
	router.Use(otelgin.Middleware("relay-service"))
	routes.SetupRoutes(router, runs, metrics, promRegistry, middleware.NewTokenAuthFromEnv())

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		slog.Info("Shutdown signal received, closing runs")
		runs.Shutdown()
		os.Exit(0)
	}()

	log.Println("Starting the relay server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
