package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/capsule-gateway/internal/vault"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <api-key>")
		fmt.Println("Encrypts an upstream API key with GATEWAY_VAULT_SECRET for storage in model_configs.encrypted_api_key")
		os.Exit(1)
	}

	secret := os.Getenv("GATEWAY_VAULT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "GATEWAY_VAULT_SECRET is not set")
		os.Exit(1)
	}

	v, err := vault.New(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create vault: %v\n", err)
		os.Exit(1)
	}
	ciphertext, err := v.Encrypt(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(ciphertext)
}
