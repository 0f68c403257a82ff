// Package main is a development utility that mints the two secrets the server
// needs at startup: the 32-byte ENCRYPTION_KEY protecting role passwords at
// rest, and a TC_JWT_SECRET for signing admin API tokens. It prints both as
// ready-to-export environment variables so developers can bring up a local
// instance without hand-rolling key material. Rotate real deployments through
// your secret manager, not this script.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/tenantcore/tenantcore/internal/crypto"
)

func main() {
	encryptionKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Server secrets generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nexport ENCRYPTION_KEY=%s\n", hex.EncodeToString(encryptionKey))
	fmt.Printf("export TC_JWT_SECRET=%s\n", hex.EncodeToString(jwtSecret))
	fmt.Println("\n==========================================================")
	fmt.Println("ENCRYPTION_KEY seals every tenant role password in the")
	fmt.Println("control tables; losing it makes stored credentials")
	fmt.Println("unrecoverable. Back it up before provisioning anything.")
	fmt.Println("==========================================================")
}
