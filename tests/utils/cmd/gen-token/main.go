package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	testutil "pointcloudtestutil"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "perf-user", "prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
		role     = flag.String("role", "admin", "role claim for generated tokens")
		projects = flag.String("projects", "", "comma-separated project IDs for the projects claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
	)

	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}

	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}

	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	var projectIDs []string
	for _, id := range strings.Split(*projects, ",") {
		if id = strings.TrimSpace(id); id != "" {
			projectIDs = append(projectIDs, id)
		}
	}

	tokens, err := generateTokens(*count, *prefix, *start, *role, projectIDs, *ttl, args)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}

	fmt.Print(tokens[0])
}

func generateTokens(count int, prefix string, start int, role string, projects []string, ttl time.Duration, args []string) ([]string, error) {
	tokens := make([]string, count)

	for i := 0; i < count; i++ {
		var userID string
		if len(args) > 0 {
			userID = args[0]
		} else if count == 1 {
			userID = prefix
		} else {
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}

		tok, err := testutil.SignedToken(userID, role, projects, ttl)
		if err != nil {
			return nil, err
		}

		tokens[i] = tok
	}

	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return nil
}
