package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mahaj/village-chat/pkg/auth"
)

func main() {
	userID := flag.String("user", "", "user id to sign for")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" || *secret == "" {
		log.Fatal("-user and -secret (or JWT_SECRET) are required")
	}

	token, err := auth.NewAuthenticator(*secret, nil).GenerateToken(*userID, *ttl)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}
	fmt.Println(token)
}
