package main

import (
	"flag"
	"log"

	"github.com/danmuck/chprops/internal/config"
)

const defaultConfigPath = "cmd/propsd/config.toml"

func main() {
	output := flag.String("output", defaultConfigPath, "output path for the propsd config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultConfigPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated propsd config at %s (%s on %s, %d objects)", *input, cfg.Listen.Network, cfg.Listen.Address, len(cfg.Objects))
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote propsd config template to %s", *output)
}
