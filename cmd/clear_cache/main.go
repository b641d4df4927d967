// Inspect and clear the translation cache tiers.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"pdf-translator/internal/cache"
	"pdf-translator/internal/config"
)

var (
	configSrc  = flag.String("config", "", "config file path")
	memory     = flag.Bool("memory", false, "clear the in-memory tier")
	persistent = flag.Bool("persistent", false, "clear the persistent tier")
)

func main() {
	flag.Parse()

	manager, err := config.NewManager(*configSrc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := manager.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// The embedder only matters for semantic lookups, not for clearing.
	c, err := cache.New(manager.Get().Cache, cache.NewHashingEmbedder(256))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if *memory {
		c.ClearMemory()
		fmt.Println("memory tier cleared")
	}
	if *persistent {
		if err := c.ClearPersistent(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println("persistent tier cleared")
	}
	if err := c.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	stats, _ := json.MarshalIndent(c.Stats(), "", "  ")
	fmt.Println(string(stats))
}
