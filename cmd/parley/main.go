package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/m4xw311/parley/acp"
	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/tools"
)

func main() {
	modeFlag := flag.String("m", "auto", "Execution mode: 'auto' or 'prompt'")
	toolsetFlag := flag.String("t", "default", "Toolset to use")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	opMode, err := parseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	client, err := newLLMClient(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}

	registry := tools.NewToolRegistry(cfg)
	defer registry.Close()

	parleyAgent, err := agent.New(cfg, registry, *toolsetFlag, opMode, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}

	trace := func(string) {}
	if *traceFlag {
		traceFile, _ := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if traceFile != nil {
			defer traceFile.Close()
			trace = func(msg string) {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	// stdout carries nothing but JSON-RPC frames; people read stderr.
	fmt.Fprintln(os.Stderr, "Starting Parley ACP server...")
	if err := acp.Run(context.Background(), parleyAgent, cfg, os.Stdin, os.Stdout, trace); err != nil {
		fmt.Fprintf(os.Stderr, "ACP server failed: %+v\n", err)
		os.Exit(1)
	}
}

func parseMode(s string) (agent.Mode, error) {
	switch s {
	case "auto":
		return agent.ModeAuto, nil
	case "prompt":
		return agent.ModePrompt, nil
	default:
		return "", fmt.Errorf("invalid mode '%s': must be 'auto' or 'prompt'", s)
	}
}

// newLLMClient picks the backend named in config. An empty or unknown name
// falls back to the mock client so the server still runs without credentials.
func newLLMClient(ctx context.Context, cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLMClient {
	case "gemini":
		client, err := llm.NewGeminiLLMClient(ctx, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return client, nil
	case "openai":
		client, err := llm.NewOpenAILLMClient(ctx, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		return client, nil
	case "bedrock":
		client, err := llm.NewBedrockLLMClient(ctx, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		return client, nil
	case "anthropic":
		client, err := llm.NewAnthropicLLMClient(ctx, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		return client, nil
	default:
		return &llm.MockLLMClient{}, nil
	}
}
