package main

import (
	"log"

	"topup/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatalf("topup service failed: %v", err)
	}
}
