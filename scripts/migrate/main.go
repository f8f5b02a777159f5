package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/mahaj/village-chat/pkg/config"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/snowflake"
	"github.com/mahaj/village-chat/pkg/store"
)

func main() {
	configPath := flag.String("config", "chat.toml", "path to the TOML configuration file")
	seed := flag.String("users", "", "comma separated user ids to create for development")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	node, err := snowflake.NewNode(cfg.Storage.NodeID)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Storage, snowflake.NewSequencer(node))
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Storage.Driver, err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("Schema for %s is up to date", cfg.Storage.Driver)

	for _, id := range strings.Split(*seed, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := st.PutUser(ctx, model.Identity{ID: id, Username: id}); err != nil {
			log.Fatalf("Failed to create user %s: %v", id, err)
		}
		log.Printf("User %s created", id)
	}
}
