// mintoken signs a bearer token for the access API. The signing secret comes
// from KEYLEASE_AUTH_SECRET, same as the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"keylease.org/internal/auth"
)

func main() {
	var (
		principal = flag.String("principal", "", "identity the token is issued to (email or job name)")
		ttl       = flag.Duration("ttl", 8*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *principal == "" {
		log.Fatal("-principal is required")
	}
	token, err := auth.GenerateToken(*principal, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
