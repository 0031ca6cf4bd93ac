package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ollamabridge/internal/config"
	"ollamabridge/internal/ollama"
)

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := ollama.NewClient(ollama.Options{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxConcurrent:  cfg.MaxConcurrent,
	}, logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	list, err := client.ListModels(ctx)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("no models installed")
		return nil
	}

	for _, m := range list {
		marker := ""
		if m.Name == cfg.DefaultModel {
			marker = "  (default)"
		}
		if m.Size > 0 {
			fmt.Printf("%-40s %6.1f GB%s\n", m.Name, float64(m.Size)/(1<<30), marker)
		} else {
			fmt.Printf("%s%s\n", m.Name, marker)
		}
	}
	return nil
}
