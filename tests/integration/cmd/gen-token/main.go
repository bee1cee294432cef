package main

import (
	"fmt"
	"log"
	"os"

	integration "pointcloudtest"
)

func main() {
	userID := "perf-user"
	var projects []string
	if len(os.Args) > 1 {
		userID = os.Args[1]
		projects = os.Args[2:]
	}
	tok, err := integration.TestToken(userID, projects...)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(tok)
}
