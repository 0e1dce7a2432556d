package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"studyguide_back/authorization"
	"studyguide_back/cache"
	"studyguide_back/knowledge"
	"studyguide_back/qa"
	"studyguide_back/stats"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	ledger, err := stats.OpenFromEnv()
	if err != nil {
		log.Fatalf("open stats ledger: %v", err)
	}

	knowledgeModule, err := knowledge.RegisterRoutes(r, guard, ledger)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	qaModule, err := qa.RegisterRoutes(r, guard, knowledgeModule.Store(), ledger)
	if err != nil {
		log.Fatalf("register qa routes: %v", err)
	}

	// Deleting or replacing a channel's material drops the answer cache,
	// context window and debug snapshot built on the old copy.
	knowledgeModule.NotifyChange(func(ctx context.Context, channelID string) {
		qaModule.Pipeline().ForgetChannel(ctx, channelID)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	knowledgeModule.Scheduler().Start(ctx)

	defer func() {
		if err := cache.Close(); err != nil {
			log.Printf("close redis client: %v", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
